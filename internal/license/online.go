package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	licerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
)

// OnlineValue is the result of an online variable or method. Value holds JSON
// text and Type the service side type name.
type OnlineValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Decode unmarshals the value into out. An empty value leaves out untouched.
func (v OnlineValue) Decode(out any) error {
	if strings.TrimSpace(v.Value) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.Value), out); err != nil {
		return fmt.Errorf("%w: %w", licerrors.ErrMalformedResponse, err)
	}
	return nil
}

// GoType maps the declared type name to the matching Go type
func (v OnlineValue) GoType() (reflect.Type, error) {
	return goTypeFor(v.Type)
}

var onlineScalarTypes = map[string]reflect.Type{
	"SByte":   reflect.TypeFor[int8](),
	"Byte":    reflect.TypeFor[uint8](),
	"Int16":   reflect.TypeFor[int16](),
	"UInt16":  reflect.TypeFor[uint16](),
	"Int32":   reflect.TypeFor[int32](),
	"UInt32":  reflect.TypeFor[uint32](),
	"Int64":   reflect.TypeFor[int64](),
	"UInt64":  reflect.TypeFor[uint64](),
	"Char":    reflect.TypeFor[string](),
	"Single":  reflect.TypeFor[float32](),
	"Double":  reflect.TypeFor[float64](),
	"Boolean": reflect.TypeFor[bool](),
	"String":  reflect.TypeFor[string](),
}

func goTypeFor(name string) (reflect.Type, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return reflect.TypeFor[any](), nil
	case strings.HasSuffix(name, "[]"):
		elem, err := goTypeFor(strings.TrimSuffix(name, "[]"))
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(elem), nil
	case strings.HasPrefix(name, "List<") && strings.HasSuffix(name, ">"):
		elem, err := goTypeFor(name[len("List<") : len(name)-1])
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(elem), nil
	}
	if t, ok := onlineScalarTypes[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unsupported online type %q", name)
}

type onlineOptions struct {
	obfuscationKey *int
}

// OnlineOption configures an online variable or method call
type OnlineOption func(*onlineOptions)

// WithObfuscationKey asks the service to obfuscate the value with key
func WithObfuscationKey(key int) OnlineOption {
	return func(o *onlineOptions) { o.obfuscationKey = &key }
}

// GetOnlineVariable fetches a project variable. The license is verified first.
func (c *LicenseClient) GetOnlineVariable(ctx context.Context, name string, opts ...OnlineOption) (OnlineValue, error) {
	if err := c.VerifyAccess(ctx); err != nil {
		return OnlineValue{}, err
	}

	var o onlineOptions
	for _, opt := range opts {
		opt(&o)
	}

	u := c.protocol.projectURL(c.protocol.baseURL, "l", "variables", name)
	if o.obfuscationKey != nil {
		u.RawQuery = url.Values{"obfuscationKey": {strconv.Itoa(*o.obfuscationKey)}}.Encode()
	}

	return c.callOnline(ctx, "variable", name, u, func(se *licerrors.ServiceError) error {
		if se.Code == codeVariableNotFound {
			return fmt.Errorf("%w: the variable %q could not be found", licerrors.ErrVariableNotFound, name)
		}
		return se
	})
}

// ExecuteOnlineMethod runs a server side method with JSON encoded args.
// The license is verified first.
func (c *LicenseClient) ExecuteOnlineMethod(ctx context.Context, name string, args []any, opts ...OnlineOption) (OnlineValue, error) {
	if err := c.VerifyAccess(ctx); err != nil {
		return OnlineValue{}, err
	}

	var o onlineOptions
	for _, opt := range opts {
		opt(&o)
	}

	query := url.Values{}
	if o.obfuscationKey != nil {
		query.Set("obfuscationKey", strconv.Itoa(*o.obfuscationKey))
	}
	for i, arg := range args {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return OnlineValue{}, fmt.Errorf("failed to encode argument %d of %q: %w", i, name, err)
		}
		query.Set("arg"+strconv.Itoa(i), string(encoded))
	}

	u := c.execURL.JoinPath("v1", c.projectID, name)
	u.RawQuery = query.Encode()

	return c.callOnline(ctx, "method", name, u, func(se *licerrors.ServiceError) error {
		switch se.Code {
		case codeMethodNotFound:
			return fmt.Errorf("%w: the method %q could not be found", licerrors.ErrMethodNotFound, name)
		case codeMethodExecutionFailed:
			return fmt.Errorf("%w: the execution of method %q failed", licerrors.ErrMethodExecutionFailed, name)
		}
		return se
	})
}

func (c *LicenseClient) callOnline(ctx context.Context, kind, name string, u *url.URL,
	mapError func(*licerrors.ServiceError) error) (value OnlineValue, err error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	start := time.Now()
	ctx, span := startSpan(ctx, "license.online_"+kind,
		attribute.String("license.operation", "online_"+kind),
		attribute.String("license.online_name", name))
	defer func() {
		endSpan(span, start, "", err)
		c.metrics.recordOnlineCall(ctx, kind, err == nil)
	}()

	status, body, err := c.protocol.do(ctx, http.MethodGet, u)
	if err != nil {
		return OnlineValue{}, err
	}

	if isSuccess(status) {
		if err := json.Unmarshal(body, &value); err != nil {
			return OnlineValue{}, fmt.Errorf("%w: %w", licerrors.ErrMalformedResponse, err)
		}
		return value, nil
	}

	se, derr := decodeServiceError(body)
	if derr != nil {
		return OnlineValue{}, fmt.Errorf("license service returned status %d: %w", status, derr)
	}
	c.logger.DebugContext(ctx, "online call rejected",
		slog.String("kind", kind),
		slog.String("name", name),
		slog.Int("code", se.Code))
	return OnlineValue{}, mapError(se)
}

// GetOnlineVariableAs fetches a variable and decodes it into T. A declared type
// that does not match T is an error when variable type enforcement is on.
func GetOnlineVariableAs[T any](ctx context.Context, c *LicenseClient, name string, opts ...OnlineOption) (T, error) {
	var zero T
	v, err := c.GetOnlineVariable(ctx, name, opts...)
	if err != nil {
		return zero, err
	}
	return decodeOnlineAs[T](ctx, c, name, v)
}

// ExecuteOnlineMethodAs runs a method and decodes its result into T. Method
// results carry no declared type check.
func ExecuteOnlineMethodAs[T any](ctx context.Context, c *LicenseClient, name string, args []any, opts ...OnlineOption) (T, error) {
	var zero T
	v, err := c.ExecuteOnlineMethod(ctx, name, args, opts...)
	if err != nil {
		return zero, err
	}
	var out T
	if err := v.Decode(&out); err != nil {
		return zero, err
	}
	return out, nil
}

func decodeOnlineAs[T any](ctx context.Context, c *LicenseClient, name string, v OnlineValue) (T, error) {
	var out T
	want := reflect.TypeFor[T]()

	if want.Kind() != reflect.Interface {
		declared, err := v.GoType()
		if err != nil || declared != want {
			if c.enforceVarTypes {
				return out, fmt.Errorf("%w: %q is declared as %q, requested %s",
					licerrors.ErrVariableTypeMismatch, name, v.Type, want)
			}
			c.logger.DebugContext(ctx, "online value type differs from requested type",
				slog.String("name", name),
				slog.String("declared", v.Type),
				slog.String("requested", want.String()))
		}
	}

	if err := v.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
