/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

// IoState names what a cursor (Reader or Writer) expects to do next,
// or why it can no longer proceed. Cursors never panic or return a Go
// error from the hot path; callers read State() to find out what
// happened and react (feed more bytes, stop, or branch on the taxonomy).
type IoState int

// The cursor state taxonomy. Most states mirror a grammar production
// (BeginArray, NextDictEntry, Int32, ...); the rest (NotStarted,
// Finished, NeedMoreData, InvalidData, AnyData) describe cursor
// lifecycle rather than a value.
const (
	NotStarted IoState = iota
	Finished
	NeedMoreData
	InvalidData
	AnyData
	DictKey
	BeginArray
	NextArrayEntry
	EndArray
	BeginDict
	NextDictEntry
	EndDict
	BeginStruct
	EndStruct
	BeginVariant
	EndVariant
	Byte
	Boolean
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Double
	String
	ObjectPath
	SignatureState
	UnixFD
)

var ioStateNames = map[IoState]string{
	NotStarted:     "NotStarted",
	Finished:       "Finished",
	NeedMoreData:   "NeedMoreData",
	InvalidData:    "InvalidData",
	AnyData:        "AnyData",
	DictKey:        "DictKey",
	BeginArray:     "BeginArray",
	NextArrayEntry: "NextArrayEntry",
	EndArray:       "EndArray",
	BeginDict:      "BeginDict",
	NextDictEntry:  "NextDictEntry",
	EndDict:        "EndDict",
	BeginStruct:    "BeginStruct",
	EndStruct:      "EndStruct",
	BeginVariant:   "BeginVariant",
	EndVariant:     "EndVariant",
	Byte:           "Byte",
	Boolean:        "Boolean",
	Int16:          "Int16",
	Uint16:         "Uint16",
	Int32:          "Int32",
	Uint32:         "Uint32",
	Int64:          "Int64",
	Uint64:         "Uint64",
	Double:         "Double",
	String:         "String",
	ObjectPath:     "ObjectPath",
	SignatureState: "Signature",
	UnixFD:         "UnixFd",
}

func (s IoState) String() string {
	if n, ok := ioStateNames[s]; ok {
		return n
	}
	return "Unknown"
}
