// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attribute provides a type-safe container of custom attributes
// named Values. It is used in two places: resolvers attach metadata to
// resolved addresses (for example a weight or a geographic region), and
// load-balancing policies attach per-call state to a completed pick so
// that the call layer can observe it.
//
// Attributes are declared with [NewKey], which creates a strongly-typed
// key. Values for a key are created with the key's Value method:
//
//	var Region = attribute.NewKey[string]()
//
//	addr := resolver.Address{
//		HostPort:   "111.222.123.234:5432",
//		Attributes: attribute.NewValues(Region.Value("us-east1")),
//	}
//
// Readers retrieve values in a type-safe way with [GetValue]. Keys are
// identified by pointer, so two keys created by separate NewKey calls
// are always distinct, even for the same type T.
package attribute

// Values is an immutable collection of type-safe attribute values,
// mapping a [Key] to a value for any number of keys. The zero value is
// an empty collection.
type Values struct {
	data map[any]any
}

// NewValues creates a new Values with the provided values, which are
// created via [Key.Value]. If the same key appears more than once, the
// last value wins.
func NewValues(values ...Value) Values {
	data := make(map[any]any, len(values))
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{data: data}
}

// Key is an attribute key whose values have type T. Use [NewKey] to
// create one per distinct attribute.
type Key[T any] struct {
	// can't be empty or else pointers won't be distinct
	_ bool
}

// NewKey returns a new key with values of type T. Each call returns a
// distinct key, even for identical type arguments.
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value constructs a new attribute value for this key, for use with
// [NewValues].
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single attribute, a key with its corresponding value.
type Value struct {
	key, value any
}

// GetValue retrieves the value for key from values. If the key is not
// present, the zero value of T and false are returned.
func GetValue[T any](values Values, key *Key[T]) (value T, ok bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}
