// Package analyze derives classification attributes from profile payloads
// using jq expressions.
package analyze

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/itchyny/gojq"
)

// Attribute names accepted in expression files.
const (
	AttrGender      = "gender"
	AttrOrientation = "orientation"
	AttrSpecies     = "species"
	AttrAge         = "age"
	AttrRole        = "role"
	AttrPosition    = "position"
)

// DefaultExpressions read the remote API's infotag map, falling back to
// top-level fields.
var DefaultExpressions = map[string]string{
	AttrAge:         `.infotags["1"] // .age`,
	AttrOrientation: `.infotags["2"] // .orientation`,
	AttrGender:      `.infotags["3"] // .gender`,
	AttrSpecies:     `.infotags["9"] // .species`,
	AttrPosition:    `.infotags["15"] // .position`,
	AttrRole:        `.infotags["21"] // .role`,
}

// Analyzer evaluates one compiled jq program per attribute.
type Analyzer struct {
	programs map[string]*gojq.Code
}

// New compiles exprs over DefaultExpressions. Unknown attribute names are
// rejected.
func New(exprs map[string]string) (*Analyzer, error) {
	merged := make(map[string]string, len(DefaultExpressions))
	for k, v := range DefaultExpressions {
		merged[k] = v
	}
	for k, v := range exprs {
		if _, ok := DefaultExpressions[k]; !ok {
			return nil, fmt.Errorf("analyzer: unknown attribute %q", k)
		}
		merged[k] = v
	}

	a := &Analyzer{programs: make(map[string]*gojq.Code, len(merged))}
	for attr, expr := range merged {
		q, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("analyzer: parse %s: %w", attr, err)
		}
		code, err := gojq.Compile(q)
		if err != nil {
			return nil, fmt.Errorf("analyzer: compile %s: %w", attr, err)
		}
		a.programs[attr] = code
	}
	return a, nil
}

// LoadFile builds an Analyzer from a JSON object of attribute -> expression.
// An empty path yields the defaults.
func LoadFile(path string) (*Analyzer, error) {
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	var exprs map[string]string
	if err := json.Unmarshal(data, &exprs); err != nil {
		return nil, fmt.Errorf("analyzer: decode %s: %w", path, err)
	}
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	log.Info("Analyzer: loaded expressions", "path", path, "attributes", keys)
	return New(exprs)
}

// Analyze evaluates every attribute against payload. Attributes whose
// expression fails or yields nothing are left empty.
func (a *Analyzer) Analyze(payload model.Payload) model.DerivedAttributes {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.Debug("Analyzer: payload is not JSON", "err", err)
		return model.DerivedAttributes{}
	}
	d := model.DerivedAttributes{
		Gender:      a.eval(AttrGender, doc),
		Orientation: a.eval(AttrOrientation, doc),
		Species:     a.eval(AttrSpecies, doc),
		Age:         a.eval(AttrAge, doc),
		Role:        a.eval(AttrRole, doc),
		Position:    a.eval(AttrPosition, doc),
	}
	d.AgeYears = parseYears(d.Age)
	return d
}

func (a *Analyzer) eval(attr string, doc any) string {
	iter := a.programs[attr].Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return ""
		}
		switch x := v.(type) {
		case error:
			log.Debug("Analyzer: expression failed", "attribute", attr, "err", x)
			return ""
		case nil:
			continue
		case string:
			return strings.TrimSpace(x)
		case int:
			return strconv.Itoa(x)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			continue
		}
	}
}

// parseYears reads the leading integer of an age string such as "25" or
// "30-ish". Values outside 1..10000 are not ages.
func parseYears(age string) *int {
	end := strings.IndexFunc(age, func(r rune) bool { return !unicode.IsDigit(r) })
	if end < 0 {
		end = len(age)
	}
	if end == 0 {
		return nil
	}
	n, err := strconv.Atoi(age[:end])
	if err != nil || n < 1 || n > 10000 {
		return nil
	}
	return &n
}
