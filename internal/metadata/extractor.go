package metadata

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"
)

// Pattern is a compiled id pattern. Exactly one of binary or re is set.
type Pattern struct {
	IDType      string
	ValueOffset int
	ValueLength int

	binary []byte
	re     *regexp.Regexp
}

// IsBinary reports whether the pattern matches raw bytes rather than text.
func (p Pattern) IsBinary() bool {
	return p.binary != nil
}

// Compile turns configured id patterns into matchers. Patterns starting with
// `\x` are byte sequences; everything else is a regular expression whose first
// capture group is the value.
func Compile(defs []config.IDPattern) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(defs))
	for i, def := range defs {
		p := Pattern{
			IDType:      def.IDType,
			ValueOffset: def.ValueOffset,
			ValueLength: def.ValueLength,
		}
		if def.IsBinary() {
			b, err := config.ParseHexPattern(def.Pattern)
			if err != nil {
				return nil, fmt.Errorf("id_patterns[%d] (%s): %w", i, def.IDType, err)
			}
			p.binary = b
		} else {
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return nil, fmt.Errorf("id_patterns[%d] (%s): invalid regex: %w", i, def.IDType, err)
			}
			p.re = re
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// Extract applies patterns in order and collects the identifiers found.
// Malformed or short payloads yield fewer ids, never an error.
func Extract(payload []byte, patterns []Pattern, headerOffset int) model.PacketMetadata {
	md := model.PacketMetadata{IDs: make(map[string]string)}
	if headerOffset < 0 || len(payload) <= headerOffset {
		return md
	}

	var text string
	decoded := false
	for _, p := range patterns {
		if p.binary != nil {
			pos := bytes.Index(payload, p.binary)
			if pos < 0 {
				continue
			}
			start := pos + p.ValueOffset
			end := start + p.ValueLength
			if start < 0 || end > len(payload) || start > end {
				continue
			}
			md.IDs[p.IDType] = lossyString(payload[start:end])
			continue
		}

		if !decoded {
			text = lossyString(payload[headerOffset:])
			decoded = true
		}
		m := p.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		md.IDs[p.IDType] = m[1]
	}
	return md
}

// Extractor bundles compiled patterns with the header offset of a measurement.
type Extractor struct {
	patterns     []Pattern
	headerOffset int
}

// NewExtractor compiles the patterns of a measurement.
func NewExtractor(cfg config.MetadataExtraction) (*Extractor, error) {
	patterns, err := Compile(cfg.IDPatterns)
	if err != nil {
		return nil, err
	}
	return &Extractor{patterns: patterns, headerOffset: cfg.HeaderOffset}, nil
}

// Extract runs the extractor's patterns over payload.
func (e *Extractor) Extract(payload []byte) model.PacketMetadata {
	return Extract(payload, e.patterns, e.headerOffset)
}

func lossyString(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
