// Package definition resolves a stored Connection Model Definition plus its
// Connection Variable Mapping into a concrete outbound HTTP request — the largest single component of the gateway.
package definition

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/secrets"
	"github.com/conduithq/conduit/internal/store"
)

// RequestInput is the caller payload the materializer substitutes into the
// stored definition. Headers are expected already stripped of the
// auth/connection routing headers by the caller.
type RequestInput struct {
	Headers    map[string]string
	Query      map[string]string
	Body       []byte
	PathParams map[string]string
}

// Outbound is the request synthesized for the Dispatcher.
type Outbound struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// Materializer loads CMDs, fetches secrets, applies CVM bindings, and
// synthesizes the outbound request.
type Materializer struct {
	cmds    store.CMDStore
	cvms    store.CVMStore
	secrets secrets.Client
}

func New(cmds store.CMDStore, cvms store.CVMStore, secretsClient secrets.Client) *Materializer {
	return &Materializer{cmds: cmds, cvms: cvms, secrets: secretsClient}
}

// SelectPassthroughCMD finds the active definition matching the inbound
// platform, path, and method.
func (m *Materializer) SelectPassthroughCMD(ctx context.Context, platform, path, method string) (*models.ConnectionModelDefinition, error) {
	cmd, err := m.cmds.GetOneCMD(ctx, store.Filter{
		"platform":               platform,
		"api.path":               path,
		"action":                 strings.ToUpper(method),
		"recordMetadata.active":  true,
		"recordMetadata.deleted": false,
	})
	if err != nil {
		return nil, notFoundOrWrap(err, "connection model definition")
	}
	return cmd, nil
}

// SelectTestCMD finds the matching definition by id for test dispatch. The
// definition must be inactive — active definitions only serve production
// traffic through SelectPassthroughCMD.
func (m *Materializer) SelectTestCMD(ctx context.Context, id string) (*models.ConnectionModelDefinition, error) {
	cmd, err := m.cmds.GetOneCMD(ctx, store.Filter{
		"_id":                    id,
		"recordMetadata.active":  false,
		"recordMetadata.deleted": false,
	})
	if err != nil {
		return nil, notFoundOrWrap(err, "connection model definition")
	}
	return cmd, nil
}

func notFoundOrWrap(err error, entity string) error {
	if _, ok := err.(*store.ErrNotFound); ok {
		return apperror.NotFound(entity + " not found")
	}
	return apperror.As(err)
}

// Materialize fetches secrets, applies the CVM binding, and synthesizes the
// outbound request.
func (m *Materializer) Materialize(ctx context.Context, cmd *models.ConnectionModelDefinition, conn *models.Connection, in RequestInput) (*Outbound, error) {
	secretCtx, err := m.secrets.Fetch(ctx, conn.SecretsServiceId, conn.Ownership.BuildableId)
	if err != nil {
		return nil, err
	}
	for k, v := range in.PathParams {
		secretCtx[k] = v
	}

	pathParams := map[string]string{}
	for k, v := range in.PathParams {
		pathParams[k] = v
	}
	query := map[string]string{}
	for k, v := range in.Query {
		query[k] = v
	}
	headers := map[string]string{}
	for k, v := range in.Headers {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	body, err := parseBody(in.Body)
	if err != nil {
		return nil, err
	}

	cvm, err := m.cvms.GetOneCVM(ctx, store.Filter{
		"connectionModelDefinitionId": cmd.ID,
		"deleted":                     false,
	})
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			return nil, apperror.As(err)
		}
		cvm = nil
	}

	if cvm != nil {
		for _, binding := range cvm.Bindings {
			raw, present := secretCtx[binding.VariableName]
			if !present {
				continue
			}
			value, err := coerce(raw, binding.DataType)
			if err != nil {
				return nil, err
			}
			switch binding.Location {
			case models.LocationPathParam:
				injectString(pathParams, binding.TargetParam, value, binding.Strategy)
			case models.LocationQueryParam:
				injectString(query, binding.TargetParam, value, binding.Strategy)
			case models.LocationHeader:
				injectString(headers, http.CanonicalHeaderKey(binding.TargetParam), value, binding.Strategy)
			case models.LocationBodyField:
				injectBody(body, binding.TargetParam, value, binding.Strategy)
			}
		}
	}

	path := substitutePath(cmd.Api.Path, pathParams)
	bodyBytes := in.Body
	if len(body) > 0 {
		serialized, err := json.Marshal(body)
		if err != nil {
			return nil, apperror.SerializeError("failed to serialize substituted body", err.Error())
		}
		bodyBytes = serialized
	}

	applyAuthMethod(cmd.Api.AuthMethod, headers, secretCtx)
	for k, v := range cmd.Api.Headers {
		if _, exists := headers[http.CanonicalHeaderKey(k)]; !exists {
			headers[http.CanonicalHeaderKey(k)] = v
		}
	}
	for k, v := range cmd.Api.QueryParams {
		if _, exists := query[k]; !exists {
			query[k] = v
		}
	}

	return &Outbound{
		Method:  cmd.Action,
		URL:     cmd.Api.BaseURL + path,
		Headers: headers,
		Query:   query,
		Body:    bodyBytes,
	}, nil
}

func parseBody(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperror.ScriptError("request body is not a JSON object", err.Error())
	}
	return body, nil
}

func coerce(raw any, dt models.VariableDataType) (any, error) {
	switch dt {
	case models.DataTypeString:
		return stringify(raw), nil
	case models.DataTypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, apperror.ScriptError("binding value is not numeric", v)
			}
			return f, nil
		default:
			return nil, apperror.ScriptError("binding value is not numeric")
		}
	case models.DataTypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if v == "true" {
				return true, nil
			}
			if v == "false" {
				return false, nil
			}
			return nil, apperror.ScriptError("binding value is not a boolean literal", v)
		default:
			return nil, apperror.ScriptError("binding value is not a boolean literal")
		}
	case models.DataTypeJson:
		if s, ok := raw.(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, apperror.ScriptError("binding value is not valid JSON", err.Error())
			}
			return parsed, nil
		}
		return raw, nil
	default:
		return raw, nil
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// injectString applies an injection strategy onto a string-keyed
// destination (path params, query params, headers).
func injectString(dest map[string]string, target string, value any, strategy models.InjectionStrategy) {
	sv := stringify(value)
	existing, exists := dest[target]
	switch strategy {
	case models.StrategyFallback:
		if !exists {
			dest[target] = sv
		}
	case models.StrategyAppend:
		if exists {
			dest[target] = existing + "," + sv
		} else {
			dest[target] = sv
		}
	default: // Strict
		dest[target] = sv
	}
}

// injectBody applies an injection strategy onto a JSON body field. Append
// degrades to Fallback when the existing value is neither a list nor a
// comma-separable scalar.
func injectBody(body map[string]any, target string, value any, strategy models.InjectionStrategy) {
	existing, exists := body[target]
	switch strategy {
	case models.StrategyFallback:
		if !exists {
			body[target] = value
		}
	case models.StrategyAppend:
		if !exists {
			body[target] = value
			return
		}
		switch ev := existing.(type) {
		case []any:
			body[target] = append(ev, value)
		case string:
			if strings.Contains(ev, ",") || ev != "" {
				body[target] = ev + "," + stringify(value)
			}
		}
		// anything else: degrade to Fallback, existing already present, no-op.
	default: // Strict
		body[target] = value
	}
}

func substitutePath(path string, params map[string]string) string {
	out := path
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// applyAuthMethod is the black-box auth strategy parameterized by the CMD's
// auth_method tag and the secret context.
func applyAuthMethod(authMethod string, headers map[string]string, secretCtx map[string]any) {
	switch authMethod {
	case "bearer":
		if token, ok := secretCtx["access_token"]; ok {
			headers["Authorization"] = "Bearer " + stringify(token)
		}
	case "basic":
		user, _ := secretCtx["username"].(string)
		pass, _ := secretCtx["password"].(string)
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", user, pass)))
	default:
		// custom signer / no-op: extension point for platform-specific auth.
	}
}
