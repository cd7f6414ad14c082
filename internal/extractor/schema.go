package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Money is a price that decodes from a JSON number or a decimal string.
type Money struct {
	Amount decimal.Decimal
	Valid  bool
}

// UnmarshalJSON rejects anything that is not a plain decimal.
func (m *Money) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*m = Money{}
		return nil
	}

	raw := string(trimmed)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*m = Money{}
			return nil
		}
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("price %q is not a decimal number", raw)
	}
	*m = Money{Amount: d, Valid: true}
	return nil
}

// imageRef accepts either a bare URL string or an object with a src.
type imageRef struct {
	Src      string  `json:"src" validate:"required"`
	Position int     `json:"position,omitempty"`
	Alt      *string `json:"alt,omitempty"`
}

func (r *imageRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &r.Src)
	}

	type plain imageRef
	var p plain
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*r = imageRef(p)
	return nil
}

type optionPayload struct {
	Name   string   `json:"name" validate:"required,max=255"`
	Values []string `json:"values" validate:"dive,required,max=255"`
}

type variantPayload struct {
	Title             string  `json:"title" validate:"max=255"`
	Price             Money   `json:"price" validate:"required,money"`
	CompareAtPrice    Money   `json:"compare_at_price" validate:"omitempty,money"`
	SKU               *string `json:"sku" validate:"omitempty,max=255"`
	Option1           *string `json:"option1" validate:"omitempty,max=255"`
	Option2           *string `json:"option2" validate:"omitempty,max=255"`
	Option3           *string `json:"option3" validate:"omitempty,max=255"`
	InventoryQuantity *int    `json:"inventory_quantity" validate:"omitempty,gte=0"`
}

// payload is the JSON shape the model is asked to return. Export pages are
// already in this shape.
type payload struct {
	Title       string           `json:"title" validate:"required,max=255"`
	Description *string          `json:"body_html"`
	Vendor      *string          `json:"vendor" validate:"omitempty,max=255"`
	ProductType *string          `json:"product_type" validate:"omitempty,max=255"`
	Tags        []string         `json:"tags" validate:"max=250,dive,max=255"`
	Price       Money            `json:"price" validate:"omitempty,money"`
	Options     []optionPayload  `json:"options" validate:"max=3,dive"`
	Variants    []variantPayload `json:"variants" validate:"max=100,dive"`
	Images      []imageRef       `json:"images" validate:"max=250,dive"`
}

// invalidTitles are cart and navigation strings that models sometimes
// return as a product title.
var invalidTitles = map[string]bool{
	"item added to your cart": true,
	"added to cart":           true,
	"cart":                    true,
	"checkout":                true,
	"shopping cart":           true,
	"your cart":               true,
	"view cart":               true,
	"continue shopping":       true,
	"home":                    true,
	"shop":                    true,
	"products":                true,
	"categories":              true,
}

var errNoJSONObject = errors.New("reply contains no JSON object")

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Money validates as its decimal string; an absent price is the empty string.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		m, ok := field.Interface().(Money)
		if !ok || !m.Valid {
			return ""
		}
		return m.Amount.String()
	}, Money{})

	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})

	return v
}

// decodePayload strictly decodes and validates one JSON object.
func (e *Extractor) decodePayload(raw string) (*payload, error) {
	obj, ok := firstJSONObject(raw)
	if !ok {
		return nil, errNoJSONObject
	}

	dec := json.NewDecoder(strings.NewReader(obj))
	dec.DisallowUnknownFields()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode product JSON: %w", err)
	}

	p.trim()
	if err := e.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("validate product JSON: %w", err)
	}
	if invalidTitles[strings.ToLower(p.Title)] {
		return nil, fmt.Errorf("title %q is a navigation element, not a product", p.Title)
	}
	return &p, nil
}

func (p *payload) trim() {
	p.Title = strings.TrimSpace(p.Title)
	for i := range p.Variants {
		p.Variants[i].Title = strings.TrimSpace(p.Variants[i].Title)
	}
	for i := range p.Images {
		p.Images[i].Src = strings.TrimSpace(p.Images[i].Src)
	}
}

// firstJSONObject returns the first balanced {...} in s, skipping braces
// inside strings. Markdown code fences around the object are ignored.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
