package orders

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// ActionGroupEvent is the request an agent action group sends to its Lambda
// executor. Direct invocations may carry a raw JSON Body instead of RequestBody.
type ActionGroupEvent struct {
	MessageVersion string            `json:"messageVersion,omitempty"`
	ActionGroup    string            `json:"actionGroup"`
	APIPath        string            `json:"apiPath"`
	HTTPMethod     string            `json:"httpMethod,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	InputText      string            `json:"inputText,omitempty"`
	PathParameters map[string]string `json:"pathParameters,omitempty"`
	Parameters     []Parameter       `json:"parameters,omitempty"`
	RequestBody    *RequestBody      `json:"requestBody,omitempty"`
	Body           string            `json:"body,omitempty"`
}

// Parameter is a named, string-encoded value.
type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// RequestBody holds the request properties per content type.
type RequestBody struct {
	Content map[string]RequestContent `json:"content"`
}

// RequestContent lists the properties of one content type.
type RequestContent struct {
	Properties []Parameter `json:"properties"`
}

// ActionGroupResponse is the envelope the agent runtime expects back.
type ActionGroupResponse struct {
	MessageVersion string         `json:"messageVersion,omitempty"`
	Response       ResponseDetail `json:"response"`
}

// ResponseDetail echoes the request and carries the status and body.
type ResponseDetail struct {
	ActionGroup    string                     `json:"actionGroup"`
	APIPath        string                     `json:"apiPath"`
	HTTPMethod     string                     `json:"httpMethod"`
	HTTPStatusCode int                        `json:"httpStatusCode"`
	ResponseBody   map[string]ResponseContent `json:"responseBody"`
}

// ResponseContent holds a JSON-encoded body; nil renders as null.
type ResponseContent struct {
	Body *string `json:"body"`
}

// Status returns the HTTP status code of the response.
func (r ActionGroupResponse) Status() int { return r.Response.HTTPStatusCode }

// BodyJSON returns the JSON-encoded body, or "" when it is null.
func (r ActionGroupResponse) BodyJSON() string {
	c, ok := r.Response.ResponseBody[contentTypeJSON]
	if !ok || c.Body == nil {
		return ""
	}
	return *c.Body
}

const contentTypeJSON = "application/json"

// OrderID returns the order id from the path parameters, falling back to the
// "id" parameter.
func (e ActionGroupEvent) OrderID() string {
	if id := e.PathParameters["id"]; id != "" {
		return id
	}
	for _, p := range e.Parameters {
		if p.Name == "id" {
			return p.Value
		}
	}
	return ""
}

// Method returns the HTTP method, upper case.
func (e ActionGroupEvent) Method() string {
	return strings.ToUpper(e.HTTPMethod)
}

// orderLinesPattern matches the agent's rendering of order lines,
// "[{item=Watch, quantity=2}, {product=Strap, quantity=1}]".
var orderLinesPattern = regexp.MustCompile(`{(?:item|product)=([^,]+), quantity=(\d+)}`)

// payload returns the request body as a JSON object. Agent properties and raw
// bodies are normalised the same way: total becomes a number and orderLines
// becomes a list of product/qty objects.
func (e ActionGroupEvent) payload() (map[string]any, error) {
	if e.RequestBody != nil {
		if content, ok := e.RequestBody.Content[contentTypeJSON]; ok {
			payload := make(map[string]any, len(content.Properties))
			for _, p := range content.Properties {
				payload[p.Name] = p.Value
			}
			return normalize(payload)
		}
	}
	if strings.TrimSpace(e.Body) == "" {
		return map[string]any{}, nil
	}
	// Numbers stay json.Number so totals keep their digits.
	dec := json.NewDecoder(strings.NewReader(e.Body))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object: %v", domain.ErrInvalidInput, err)
	}
	return normalize(body)
}

func normalize(payload map[string]any) (map[string]any, error) {
	if raw, ok := payload["total"].(string); ok {
		total, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: total %q is not a number", domain.ErrInvalidInput, raw)
		}
		payload["total"] = json.Number(total.String())
	}

	switch lines := payload["orderLines"].(type) {
	case string:
		parsed, err := parseOrderLines(lines)
		if err != nil {
			return nil, err
		}
		payload["orderLines"] = parsed
	case []any:
		payload["orderLines"] = normalizeLines(lines)
	}
	return payload, nil
}

func parseOrderLines(raw string) ([]any, error) {
	matches := orderLinesPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		// Some models send proper JSON instead.
		var lines []any
		if err := json.Unmarshal([]byte(raw), &lines); err == nil {
			return normalizeLines(lines), nil
		}
		return []any{}, nil
	}
	lines := make([]any, 0, len(matches))
	for _, m := range matches {
		qty, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q is not a number", domain.ErrInvalidInput, m[2])
		}
		lines = append(lines, map[string]any{
			"product": strings.TrimSpace(m[1]),
			"qty":     qty,
		})
	}
	return lines, nil
}

// lineAliases maps the names the orders API uses for a line's fields to the
// stored names.
var lineAliases = map[string]string{
	"item":     "product",
	"quantity": "qty",
}

func normalizeLines(lines []any) []any {
	for _, l := range lines {
		line, ok := l.(map[string]any)
		if !ok {
			continue
		}
		for alias, name := range lineAliases {
			v, ok := line[alias]
			if !ok {
				continue
			}
			if _, taken := line[name]; !taken {
				line[name] = v
			}
			delete(line, alias)
		}
	}
	return lines
}
