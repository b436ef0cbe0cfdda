package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SignatureField is the JSON member that carries a response signature. It is
// never part of the signed payload.
const SignatureField = "signature"

// CanonicalJSON re-encodes v as JSON with object keys sorted at every level
// and number literals preserved, so both peers derive identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// SignJSON encodes v as a JSON object, signs its canonical form without the
// signature member and returns the object with the signature added.
func SignJSON(v any, secret []byte) ([]byte, error) {
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	delete(fields, SignatureField)

	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize response: %w", err)
	}

	fields[SignatureField] = Sign(canonical, secret)
	return json.Marshal(fields)
}

// OpenJSON verifies a body produced by SignJSON and only then decodes it
// into out. Bodies that are not JSON objects or carry no signature are
// reported as ErrMalformedPayload / ErrMissingSignature.
func OpenJSON(body []byte, secret []byte, out any) error {
	if err := CheckSecret(secret); err != nil {
		return err
	}

	fields, err := decodeObject(body)
	if err != nil {
		return err
	}

	signature, ok := fields[SignatureField].(string)
	if !ok || signature == "" {
		return ErrMissingSignature
	}
	delete(fields, SignatureField)

	canonical, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !Verify(canonical, signature, secret) {
		return ErrInvalidSignature
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(canonical, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func decodeGeneric(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}
	return v, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	v, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	return fields, nil
}
