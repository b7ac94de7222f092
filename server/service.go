package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
)

// methodType is one exported method of a service receiver.
type methodType struct {
	method    reflect.Method
	ParamType reflect.Type
}

// service exposes the exported methods of a receiver as request handlers.
// A method qualifies when its signature is
//
//	func (rcvr *T) Name(ctx context.Context, params P) (R, error)
//
// and it is registered as "{service}/{name}" with both parts in lower camel
// case, so (*TextDocument).Hover answers "textDocument/hover".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// newService scans rcvr for qualifying methods. An empty name means the
// receiver's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = lowerFirst(typ.Elem().Name())
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of the form Name(context.Context, P) (R, error)", typ)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.Out(1) != errorType {
			continue
		}
		s.method[s.name+"/"+lowerFirst(m.Name)] = &methodType{
			method:    m,
			ParamType: mt.In(2),
		}
	}
}

// install registers every method of s on d.
func (s *service) install(d *dispatch.Dispatcher) {
	for name, mt := range s.method {
		d.Add(name, s.handler(mt))
	}
}

func (s *service) handler(mt *methodType) dispatch.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		argv, err := decodeArg(mt.ParamType, params)
		if err != nil {
			return nil, err
		}
		results := mt.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv})
		if errv := results[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return results[0].Interface(), nil
	}
}

// decodeArg builds a value of type t from params. Pointer types get a fresh
// allocation; absent params leave the zero value.
func decodeArg(t reflect.Type, params json.RawMessage) (reflect.Value, error) {
	var ptr reflect.Value
	if t.Kind() == reflect.Pointer {
		ptr = reflect.New(t.Elem())
	} else {
		ptr = reflect.New(t)
	}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, ptr.Interface()); err != nil {
			return reflect.Value{}, message.Errorf(message.CodeInvalidParams, "invalid params: %v", err)
		}
	}
	if t.Kind() == reflect.Pointer {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
