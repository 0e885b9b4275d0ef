/*
 * Copyright 2019-2020 by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package event

import (
	"fmt"
	"strconv"
	"strings"

	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
)

// Param is a single named API argument.
type Param struct {
	// Name represents the name of the argument (e.g. ProcessHandle).
	Name string `json:"name"`
	// Value is the decoded argument value. Integers are uint32/int64, strings and
	// pointers are strings, argv lists are []string and raw buffers are []byte.
	Value any `json:"value"`
}

// String returns the string representation of the parameter value.
func (p Param) String() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case []string:
		return "[" + strings.Join(v, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Params is the ordered sequence of API call arguments. The order is the wire
// order, which keeps the argument listing stable for consumers.
type Params []Param

// Append adds a new parameter with specified name and value.
func (pars *Params) Append(name string, value any) {
	*pars = append(*pars, Param{Name: name, Value: value})
}

// Set replaces the value of an existing parameter or appends it.
func (pars *Params) Set(name string, value any) {
	for i := range *pars {
		if (*pars)[i].Name == name {
			(*pars)[i].Value = value
			return
		}
	}
	pars.Append(name, value)
}

// Pop removes the parameter and returns its value.
func (pars *Params) Pop(name string) (any, bool) {
	for i, p := range *pars {
		if p.Name == name {
			*pars = append((*pars)[:i], (*pars)[i+1:]...)
			return p.Value, true
		}
	}
	return nil, false
}

// Contains determines whether the specified parameter name exists.
func (pars Params) Contains(name string) bool {
	_, err := pars.Get(name)
	return err == nil
}

// Len returns the number of parameters.
func (pars Params) Len() int { return len(pars) }

// Get returns the raw value for given parameter name.
func (pars Params) Get(name string) (any, error) {
	for _, p := range pars {
		if p.Name == name {
			return p.Value, nil
		}
	}
	return nil, &kerrors.ErrParamNotFound{Name: name}
}

// GetString returns the underlying string value from the parameter.
func (pars Params) GetString(name string) (string, error) {
	v, err := pars.Get(name)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("unable to type cast %q parameter to string value", name)
}

// GetUint32 returns the parameter as uint32. Numeric values of any width
// are accepted as well as pointer strings in the 0x notation.
func (pars Params) GetUint32(name string) (uint32, error) {
	v, err := pars.GetUint64(name)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// GetUint64 returns the parameter as uint64.
func (pars Params) GetUint64(name string) (uint64, error) {
	v, err := pars.Get(name)
	if err != nil {
		return 0, err
	}
	n, ok := ToUint64(v)
	if !ok {
		return 0, fmt.Errorf("unable to type cast %q parameter to numeric value", name)
	}
	return n, nil
}

// Map returns parameters as a map.
func (pars Params) Map() map[string]any {
	m := make(map[string]any, len(pars))
	for _, p := range pars {
		m[p.Name] = p.Value
	}
	return m
}

// Clone returns a copy of the parameter list.
func (pars Params) Clone() Params {
	return append(Params(nil), pars...)
}

// String returns the comma-separated list of name=value pairs.
func (pars Params) String() string {
	var sb strings.Builder
	for i, p := range pars {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name + "=" + p.String())
	}
	return sb.String()
}

// Equal compares two parameter values. Numeric values compare by magnitude
// regardless of their width, so a handle decoded as int64 by one protocol
// equals the same handle decoded as uint32 by the other.
func (pars Params) Equal(name string, other Params, otherName string) bool {
	a, err := pars.Get(name)
	if err != nil {
		return false
	}
	b, err := other.Get(otherName)
	if err != nil {
		return false
	}
	return ValueEqual(a, b)
}

// ValueEqual compares two argument values.
func ValueEqual(a, b any) bool {
	x, ok1 := ToUint64(a)
	y, ok2 := ToUint64(b)
	if ok1 && ok2 {
		return x == y
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// ToUint64 converts integer values and hex strings to uint64.
func ToUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	case int32:
		return uint64(uint32(n)), true
	case int64:
		return uint64(n), true
	case float64:
		return uint64(n), true
	case string:
		s := strings.ToLower(n)
		if strings.HasPrefix(s, "0x") {
			u, err := strconv.ParseUint(s[2:], 16, 64)
			return u, err == nil
		}
		u, err := strconv.ParseUint(s, 10, 64)
		return u, err == nil
	}
	return 0, false
}
