package extension

import (
	"errors"
	"strconv"
	"strings"
)

// ErrParamValue is returned when an extension parameter carries a value
// of the wrong shape.
var ErrParamValue = errors.New("extension: invalid parameter value")

// Params is a parsed extension parameter bag. Valueless flags map to an
// empty string.
type Params map[string]string

// Has reports whether the parameter is present, with or without a value.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Int returns the integer value of a parameter. A parameter present
// without a value yields (0, true, nil) so callers can distinguish the
// valueless form.
func (p Params) Int(name string) (value int, present bool, err error) {
	raw, ok := p[name]
	if !ok {
		return 0, false, nil
	}
	if raw == "" {
		return 0, true, nil
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, true, ErrParamValue
	}
	return n, true, nil
}

// Offer is one element of a Sec-WebSocket-Extensions header: an
// extension name with its parameters.
type Offer struct {
	Name   string
	Params Params
}

// ParseHeader parses Sec-WebSocket-Extensions header values per
// RFC 6455, section 9.1. Each value may hold several comma-separated
// offers; each offer is a name followed by semicolon-separated
// parameters of the form "k", "k=v" or `k="v"`.
func ParseHeader(values []string) []Offer {
	var offers []Offer
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			parts := strings.Split(item, ";")
			offer := Offer{
				Name:   strings.TrimSpace(parts[0]),
				Params: make(Params),
			}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if param == "" {
					continue
				}
				if idx := strings.Index(param, "="); idx >= 0 {
					val := strings.TrimSpace(param[idx+1:])
					val = strings.Trim(val, `"`)
					offer.Params[strings.TrimSpace(param[:idx])] = val
				} else {
					offer.Params[param] = ""
				}
			}
			offers = append(offers, offer)
		}
	}
	return offers
}

// FormatHeader joins non-empty header fragments into a single
// Sec-WebSocket-Extensions value.
func FormatHeader(fragments []string) string {
	var kept []string
	for _, f := range fragments {
		if f != "" {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, ", ")
}
