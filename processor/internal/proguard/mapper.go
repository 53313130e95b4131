// Package proguard reverses ProGuard/R8 obfuscation using a mapping
// artifact: class and method renames, line-number recovery and inline-frame
// expansion.
package proguard

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MappedFrame is one resolved frame. A single obfuscated frame can map to a
// chain of frames when calls were inlined into it; the chain is ordered
// innermost first.
type MappedFrame struct {
	ClassName string
	Method    string
	File      string
	Line      int
}

type memberMapping struct {
	obfName    string
	class      string // original class, when the entry names a foreign (inlined) class
	name       string // original method name
	returnType string
	params     string // comma-joined original parameter types
	hasParams  bool
	startLine  int // obfuscated line range; 0 when absent
	endLine    int
	origStart  int // original line range; 0 when absent
	origEnd    int
}

type classMapping struct {
	original string
	// members keyed by obfuscated method name, in file order: R8 lists
	// inline chains innermost first within a shared obfuscated line range.
	members map[string][]memberMapping
}

// Mapper is a parsed mapping artifact.
type Mapper struct {
	classes     map[string]*classMapping // keyed by obfuscated class name
	hasLineInfo bool
}

// Open parses the mapping file at path.
func Open(path string) (*Mapper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mapping file: %w", err)
	}
	defer func() { _ = f.Close() }()

	m := &Mapper{classes: map[string]*classMapping{}}
	var current *classMapping

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			current = m.parseClassLine(line)
			continue
		}
		if current == nil {
			continue
		}
		m.parseMemberLine(current, strings.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	return m, nil
}

// class lines look like "com.example.Foo -> a.b:"
func (m *Mapper) parseClassLine(line string) *classMapping {
	original, obfuscated, ok := strings.Cut(strings.TrimSuffix(strings.TrimSpace(line), ":"), " -> ")
	if !ok {
		return nil
	}
	cm := &classMapping{original: original, members: map[string][]memberMapping{}}
	m.classes[obfuscated] = cm
	return cm
}

// member lines look like
//
//	[startLine:endLine:]returnType name[(args)][:origStart[:origEnd]] -> obfName
//
// fields are method mappings; anything unparsable is skipped.
func (m *Mapper) parseMemberLine(class *classMapping, line string) {
	decl, obfName, ok := strings.Cut(line, " -> ")
	if !ok {
		return
	}

	var mm memberMapping
	mm.obfName = obfName

	// leading obfuscated line range
	rest := decl
	if parts := strings.SplitN(rest, ":", 3); len(parts) == 3 {
		if start, err := strconv.Atoi(parts[0]); err == nil {
			if end, err := strconv.Atoi(parts[1]); err == nil {
				mm.startLine, mm.endLine = start, end
				rest = parts[2]
			}
		}
	}

	// trailing original line range, after the closing paren when present
	if idx := strings.LastIndexByte(rest, ')'); idx >= 0 && idx+1 < len(rest) && rest[idx+1] == ':' {
		suffix := rest[idx+2:]
		rest = rest[:idx+1]
		origParts := strings.SplitN(suffix, ":", 2)
		mm.origStart, _ = strconv.Atoi(origParts[0])
		if len(origParts) == 2 {
			mm.origEnd, _ = strconv.Atoi(origParts[1])
		}
	}

	// "returnType qualified.name(args)"
	sig := rest
	if open := strings.IndexByte(sig, '('); open >= 0 {
		closing := strings.LastIndexByte(sig, ')')
		if closing < open {
			return
		}
		mm.params = strings.ReplaceAll(sig[open+1:closing], " ", "")
		mm.hasParams = true
		sig = sig[:open]
	}
	fields := strings.Fields(sig)
	if len(fields) != 2 {
		return
	}
	mm.returnType = fields[0]
	qualified := fields[1]
	if dot := strings.LastIndexByte(qualified, '.'); dot >= 0 {
		mm.class = qualified[:dot]
		mm.name = qualified[dot+1:]
	} else {
		mm.name = qualified
	}

	if mm.startLine > 0 {
		m.hasLineInfo = true
	}
	class.members[obfName] = append(class.members[obfName], mm)
}

// HasLineInfo reports whether the artifact carries any line mappings. Without
// them only class/method renames can be reversed.
func (m *Mapper) HasLineInfo() bool { return m.hasLineInfo }

// RemapClass resolves an obfuscated class name, returning "" when unknown.
func (m *Mapper) RemapClass(obfuscated string) string {
	if cm, ok := m.classes[obfuscated]; ok {
		return cm.original
	}
	return ""
}

func (mm *memberMapping) frame(defaultClass string, line int) MappedFrame {
	class := mm.class
	if class == "" {
		class = defaultClass
	}
	origLine := mm.origStart
	if origLine > 0 && mm.origEnd > mm.origStart && line >= mm.startLine {
		origLine = mm.origStart + (line - mm.startLine)
	}
	return MappedFrame{ClassName: class, Method: mm.name, Line: origLine}
}

// RemapFrame resolves an obfuscated (class, method, line) triple into the
// chain of frames at that line, innermost first. An empty result means the
// artifact knows nothing about the frame.
func (m *Mapper) RemapFrame(class, method string, line int) []MappedFrame {
	cm, ok := m.classes[class]
	if !ok {
		return nil
	}
	candidates := cm.members[method]
	if len(candidates) == 0 {
		return nil
	}

	var frames []MappedFrame
	for i := range candidates {
		mm := &candidates[i]
		if mm.startLine > 0 && line > 0 {
			if line < mm.startLine || line > mm.endLine {
				continue
			}
		} else if mm.startLine > 0 || line > 0 {
			continue
		}
		frames = append(frames, mm.frame(cm.original, line))
	}
	if len(frames) > 0 {
		return frames
	}
	// no range matched: a bare rename without line info still resolves the
	// method identity
	for i := range candidates {
		if candidates[i].startLine == 0 {
			return []MappedFrame{candidates[i].frame(cm.original, 0)}
		}
	}
	return nil
}

// RemapFrameParams resolves a frame by matching original parameter types
// instead of a line number. Used when the profiler recorded no line but the
// method signature is known; parameter matches never yield inline chains.
func (m *Mapper) RemapFrameParams(class, method, params string) []MappedFrame {
	cm, ok := m.classes[class]
	if !ok {
		return nil
	}
	for i := range cm.members[method] {
		mm := &cm.members[method][i]
		if mm.hasParams && mm.params == params {
			return []MappedFrame{mm.frame(cm.original, 0)}
		}
	}
	return nil
}
