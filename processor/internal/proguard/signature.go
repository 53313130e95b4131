package proguard

import "strings"

var primitiveTypes = map[byte]string{
	'Z': "boolean",
	'B': "byte",
	'C': "char",
	'S': "short",
	'I': "int",
	'J': "long",
	'F': "float",
	'D': "double",
	'V': "void",
}

// Signature is a decoded JVM method descriptor.
type Signature struct {
	Parameters []string
	ReturnType string
}

// DecodeSignature parses a JVM method descriptor such as
// "(ILjava/lang/String;)V" into java type names. When a mapper is supplied,
// obfuscated class names inside the descriptor are resolved through it.
// It returns false for descriptors that don't parse.
func DecodeSignature(signature string, m *Mapper) (Signature, bool) {
	if len(signature) < 3 || signature[0] != '(' {
		return Signature{}, false
	}
	closing := strings.IndexByte(signature, ')')
	if closing < 0 {
		return Signature{}, false
	}

	params, ok := decodeTypes(signature[1:closing], m)
	if !ok {
		return Signature{}, false
	}
	ret, ok := decodeTypes(signature[closing+1:], m)
	if !ok || len(ret) != 1 {
		return Signature{}, false
	}
	return Signature{Parameters: params, ReturnType: ret[0]}, true
}

func decodeTypes(descriptor string, m *Mapper) ([]string, bool) {
	var types []string
	for i := 0; i < len(descriptor); {
		typ, next, ok := decodeType(descriptor, i, m)
		if !ok {
			return nil, false
		}
		types = append(types, typ)
		i = next
	}
	return types, true
}

func decodeType(descriptor string, i int, m *Mapper) (string, int, bool) {
	switch c := descriptor[i]; c {
	case '[':
		inner, next, ok := decodeType(descriptor, i+1, m)
		if !ok {
			return "", 0, false
		}
		return inner + "[]", next, true
	case 'L':
		end := strings.IndexByte(descriptor[i:], ';')
		if end < 0 {
			return "", 0, false
		}
		class := strings.ReplaceAll(descriptor[i+1:i+end], "/", ".")
		if m != nil {
			if original := m.RemapClass(class); original != "" {
				class = original
			}
		}
		return class, i + end + 1, true
	default:
		typ, ok := primitiveTypes[c]
		if !ok {
			return "", 0, false
		}
		return typ, i + 1, true
	}
}

// Format renders a decoded signature the way profile consumers display it:
// the parameter list in parentheses, plus the return type unless void.
func (s Signature) Format() string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(strings.Join(s.Parameters, ", "))
	b.WriteByte(')')
	if s.ReturnType != "" && s.ReturnType != "void" {
		b.WriteString(": ")
		b.WriteString(s.ReturnType)
	}
	return b.String()
}

// ParamList renders the decoded parameter types as the comma-joined list the
// mapping artifact uses for parameter-based lookups.
func (s Signature) ParamList() string {
	return strings.Join(s.Parameters, ",")
}
