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

// ValidateSignature parses s as a sequence of zero or more single
// complete types and returns an error describing the first grammar
// violation, or nil if s is well-formed. Array and struct-paren depth
// are counted and limited separately. A variant is a terminal here —
// its contained signature travels inline with the value and is
// validated when the variant is opened, and the MaxVariantDepth budget
// is enforced by the Reader/Writer cursors at that point, not by the
// signature grammar.
func ValidateSignature(s string) error {
	if len(s) > MaxSignatureLength {
		return ErrSignatureTooLong
	}
	p := &sigParser{s: s}
	for p.pos < len(p.s) {
		if err := p.completeType(0, 0); err != nil {
			return err
		}
	}
	return nil
}

type sigParser struct {
	s   string
	pos int
}

// completeType consumes one single complete type starting at p.pos.
// arrayDepth and structDepth are counted independently.
func (p *sigParser) completeType(arrayDepth, structDepth int) error {
	if p.pos >= len(p.s) {
		return ErrInvalidSignature
	}
	c := TypeCode(p.s[p.pos])
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD, TypeVariant:
		p.pos++
		return nil
	case TypeArray:
		p.pos++
		if arrayDepth+1 > MaxContainerDepth {
			return ErrNestingTooDeep
		}
		if p.pos < len(p.s) && TypeCode(p.s[p.pos]) == TypeDictOpen {
			return p.dictEntry(arrayDepth+1, structDepth)
		}
		return p.completeType(arrayDepth+1, structDepth)
	case TypeStructOpen:
		p.pos++
		if structDepth+1 > MaxStructDepth {
			return ErrNestingTooDeep
		}
		count := 0
		for {
			if p.pos >= len(p.s) {
				return ErrInvalidSignature
			}
			if TypeCode(p.s[p.pos]) == TypeStructEnd {
				p.pos++
				if count == 0 {
					return ErrInvalidSignature
				}
				return nil
			}
			if err := p.completeType(arrayDepth, structDepth+1); err != nil {
				return err
			}
			count++
		}
	default:
		return ErrInvalidSignature
	}
}

// dictEntry consumes "{kv}" immediately following an array's 'a'. The
// key must be a primitive type; the value may be any single complete
// type, including a container.
func (p *sigParser) dictEntry(arrayDepth, structDepth int) error {
	p.pos++ // consume '{'
	if p.pos >= len(p.s) {
		return ErrInvalidSignature
	}
	key := TypeCode(p.s[p.pos])
	if !IsPrimitive(key) {
		return ErrInvalidSignature
	}
	p.pos++
	if err := p.completeType(arrayDepth, structDepth); err != nil {
		return err
	}
	if p.pos >= len(p.s) || TypeCode(p.s[p.pos]) != TypeDictEnd {
		return ErrInvalidSignature
	}
	p.pos++
	return nil
}
