package routes

import (
	"fmt"
	"strings"
)

// ImportDefaults supplies the per-route fields an OpenAPI document does
// not carry.
type ImportDefaults struct {
	ProviderID string `json:"providerId"`
	BackendURL string `json:"backendUrl"`
	PriceUSDC  string `json:"priceUsdc"`
	Auth       *Auth  `json:"auth,omitempty"`
}

// OpenAPIDoc is a deliberately loose OpenAPI 3.0 shape: only the pieces
// the importer needs. Unknown fields are ignored.
type OpenAPIDoc struct {
	OpenAPI string                          `json:"openapi"`
	Paths   map[string]map[string]Operation `json:"paths"`
}

// Operation is one method entry under a path.
type Operation struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

var importMethods = []string{"get", "post", "put", "delete", "patch", "head", "options"}

// ImportOpenAPI flattens paths × methods into route rules. tool_id
// derives from operationId (slugified) or from a method+path slug;
// {name} templates convert to :name.
func ImportOpenAPI(doc *OpenAPIDoc, defaults ImportDefaults) ([]Rule, error) {
	if defaults.BackendURL == "" || defaults.ProviderID == "" {
		return nil, fmt.Errorf("import defaults require providerId and backendUrl")
	}
	if defaults.PriceUSDC == "" {
		defaults.PriceUSDC = "0"
	}
	var rules []Rule
	for path, ops := range doc.Paths {
		for _, method := range importMethods {
			op, ok := ops[method]
			if !ok {
				continue
			}
			toolID := slugify(op.OperationID)
			if toolID == "" {
				toolID = slugify(method + " " + path)
			}
			desc := op.Summary
			if desc == "" {
				desc = op.Description
			}
			rules = append(rules, Rule{
				ToolID:      toolID,
				Method:      strings.ToUpper(method),
				Path:        convertTemplate(path),
				PriceUSDC:   defaults.PriceUSDC,
				Description: desc,
				Provider: Provider{
					ProviderID: defaults.ProviderID,
					BackendURL: defaults.BackendURL,
					Auth:       defaults.Auth,
				},
			})
		}
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("openapi document contains no operations")
	}
	return rules, nil
}

// convertTemplate rewrites OpenAPI {name} segments to :name.
func convertTemplate(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			parts[i] = ":" + p[1:len(p)-1]
		}
	}
	return strings.Join(parts, "/")
}

// slugify lowercases and collapses everything non-alphanumeric to
// single hyphens.
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
