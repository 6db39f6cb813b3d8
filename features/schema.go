package features

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies one classifier input.
type Name string

// Lexical features, computed from the URL text alone.
const (
	SlashURL              Name = "qty_slash_url"
	LengthURL             Name = "length_url"
	DotDirectory          Name = "qty_dot_directory"
	HyphenDirectory       Name = "qty_hyphen_directory"
	UnderlineDirectory    Name = "qty_underline_directory"
	QuestionmarkDirectory Name = "qty_questionmark_directory"
	DirectoryLength       Name = "directory_length"
	HyphenFile            Name = "qty_hyphen_file"
	FileLength            Name = "file_length"
	DotParams             Name = "qty_dot_params"
	UnderlineParams       Name = "qty_underline_params"
	QuestionmarkParams    Name = "qty_questionmark_params"
)

// Network features, produced by probes.
const (
	ASNIP                Name = "asn_ip"
	TimeDomainActivation Name = "time_domain_activation"
	TimeDomainExpiration Name = "time_domain_expiration"
	TTLHostname          Name = "ttl_hostname"
)

// Sentinel marks a feature whose value could not be obtained.
const Sentinel = -1.0

// Source tells the assembler where a slot's value comes from.
type Source int

const (
	SourceLexical Source = iota
	SourceProbe
)

func (s Source) String() string {
	switch s {
	case SourceLexical:
		return "lexical"
	case SourceProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Field is one slot of a schema.
type Field struct {
	Name   Name
	Source Source
}

// Schema revisions. They differ only in slot 11: the underline revision
// counts '_' in the query, the questionmark revision counts '?'.
const (
	RevisionUnderline    = "v1-underline"
	RevisionQuestionmark = "v1-questionmark"

	DefaultRevision = RevisionUnderline
)

// ErrSchemaViolation reports a vector that cannot match its schema.
var ErrSchemaViolation = errors.New("feature schema violation")

// Schema is the fixed, ordered list of classifier inputs.
type Schema struct {
	revision string
	fields   []Field
	index    map[Name]int
}

// NewSchema validates fields and builds a schema. Names must be unique.
func NewSchema(revision string, fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: schema %q has no fields", ErrSchemaViolation, revision)
	}
	s := &Schema{
		revision: revision,
		fields:   make([]Field, len(fields)),
		index:    make(map[Name]int, len(fields)),
	}
	copy(s.fields, fields)
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: empty name at slot %d", ErrSchemaViolation, i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate feature %q", ErrSchemaViolation, f.Name)
		}
		s.index[f.Name] = i
	}
	return s, nil
}

// SchemaFor returns the built-in schema for revision.
func SchemaFor(revision string) (*Schema, error) {
	var paramsSlot Name
	switch revision {
	case RevisionUnderline, "":
		revision = RevisionUnderline
		paramsSlot = UnderlineParams
	case RevisionQuestionmark:
		paramsSlot = QuestionmarkParams
	default:
		return nil, fmt.Errorf("unknown schema revision %q", revision)
	}

	fields := []Field{
		{SlashURL, SourceLexical},
		{LengthURL, SourceLexical},
		{DotDirectory, SourceLexical},
		{HyphenDirectory, SourceLexical},
		{UnderlineDirectory, SourceLexical},
		{QuestionmarkDirectory, SourceLexical},
		{DirectoryLength, SourceLexical},
		{HyphenFile, SourceLexical},
		{FileLength, SourceLexical},
		{DotParams, SourceLexical},
		{paramsSlot, SourceLexical},
		{ASNIP, SourceProbe},
		{TimeDomainActivation, SourceProbe},
		{TimeDomainExpiration, SourceProbe},
		{TTLHostname, SourceProbe},
	}
	return NewSchema(revision, fields)
}

// MustSchema is SchemaFor for revisions known at compile time.
func MustSchema(revision string) *Schema {
	s, err := SchemaFor(revision)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Revision() string { return s.revision }

func (s *Schema) Len() int { return len(s.fields) }

func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Names() []Name {
	out := make([]Name, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// ProbeNames lists the probe-sourced slots in schema order.
func (s *Schema) ProbeNames() []Name {
	var out []Name
	for _, f := range s.fields {
		if f.Source == SourceProbe {
			out = append(out, f.Name)
		}
	}
	return out
}

func (s *Schema) Index(n Name) (int, bool) {
	i, ok := s.index[n]
	return i, ok
}

// Check returns ErrSchemaViolation unless v has exactly one value per slot.
func (s *Schema) Check(v Vector) error {
	if len(v) != len(s.fields) {
		return fmt.Errorf("%w: vector has %d values, schema %s has %d",
			ErrSchemaViolation, len(v), s.revision, len(s.fields))
	}
	return nil
}

// MatchNames compares an externally declared feature order, such as the one
// stored with a fitted normalizer, against the schema.
func (s *Schema) MatchNames(names []string) error {
	if len(names) != len(s.fields) {
		return fmt.Errorf("%w: artifact declares %d features, schema %s has %d",
			ErrSchemaViolation, len(names), s.revision, len(s.fields))
	}
	for i, f := range s.fields {
		if strings.TrimSpace(names[i]) != string(f.Name) {
			return fmt.Errorf("%w: slot %d is %q in artifact, %q in schema %s",
				ErrSchemaViolation, i, names[i], f.Name, s.revision)
		}
	}
	return nil
}

// Map keys v by feature name.
func (s *Schema) Map(v Vector) map[string]float64 {
	out := make(map[string]float64, len(s.fields))
	for i, f := range s.fields {
		if i < len(v) {
			out[string(f.Name)] = v[i]
		}
	}
	return out
}
