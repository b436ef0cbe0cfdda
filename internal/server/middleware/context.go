package middleware

import (
	"context"

	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
)

type ctxKey string

const (
	ctxKeySite       ctxKey = "site"
	ctxKeySiteHolder ctxKey = "site_holder"
)

// siteHolder lets outer middleware see which site an inner middleware
// authenticated.
type siteHolder struct {
	id string
}

func withSiteHolder(ctx context.Context) (context.Context, *siteHolder) {
	holder := &siteHolder{}
	return context.WithValue(ctx, ctxKeySiteHolder, holder), holder
}

// ContextWithSite stores the authenticated site.
func ContextWithSite(ctx context.Context, site *issuer.Site) context.Context {
	if holder, ok := ctx.Value(ctxKeySiteHolder).(*siteHolder); ok {
		holder.id = site.ID
	}
	return context.WithValue(ctx, ctxKeySite, site)
}

// SiteFromContext returns the site authenticated for this request.
func SiteFromContext(ctx context.Context) (*issuer.Site, bool) {
	site, ok := ctx.Value(ctxKeySite).(*issuer.Site)
	return site, ok && site != nil
}
