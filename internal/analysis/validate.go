package analysis

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrNoPayload means the text holds nothing that looks like a JSON object.
	ErrNoPayload = errors.New("no structured payload in text")
	// ErrMalformed means a candidate object was found but does not parse.
	ErrMalformed = errors.New("malformed structured payload")
	// ErrIrrelevant means the object parsed but carries neither a transcript
	// nor a sentiment label.
	ErrIrrelevant = errors.New("payload has no transcript or sentiment")
	// ErrSchema means the object has the wrong shape.
	ErrSchema = errors.New("payload violates result schema")
)

//go:embed schema.json
var schemaJSON []byte

var resultSchema = mustSchema(schemaJSON)

func mustSchema(raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("analysis: invalid embedded schema: %v", err))
	}
	return s
}

// Validate checks a raw JSON object against the result schema.
func Validate(raw []byte) error {
	res, err := resultSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !res.Valid() {
		errs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchema, strings.Join(errs, "; "))
	}
	return nil
}
