// Package rules classifies messages and decides whether they need a reply.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nhle/mailhub/internal/model"
)

// Confidence scores of a classification.
const (
	MatchConfidence   = 1.0
	DefaultConfidence = 0.5
)

// DefaultTag is used when the tags file names no default.
const DefaultTag = "other"

// Classification is the tag assigned to a message.
type Classification struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Evaluator is the pure decision boundary consumed by triage.
type Evaluator interface {
	Classify(msg model.Message) Classification
	NeedsReply(msg model.Message) (bool, string)
}

// Predicate is one rule. Every field that is set must match.
type Predicate struct {
	SubjectRegex           string `yaml:"subject_regex"`
	BodyRegex              string `yaml:"body_regex"`
	FromRegex              string `yaml:"from_regex"`
	ToRegex                string `yaml:"to_regex"`
	ToDomainRegex          string `yaml:"to_domain_regex"`
	HeaderRegex            string `yaml:"header_regex"`
	ListUnsubscribePresent *bool  `yaml:"list_unsubscribe_present"`
	FromInContacts         *bool  `yaml:"from_in_contacts"`

	subject, body, from, to, header *regexp.Regexp
}

// Block combines predicates with any or all. An empty block never
// matches.
type Block struct {
	Any []Predicate `yaml:"any"`
	All []Predicate `yaml:"all"`
}

type label struct {
	name  string
	block Block
}

// RuleSet is the YAML-backed Evaluator.
type RuleSet struct {
	labels      []label
	defaultTag  string
	replyNeeded Block
	suppressIf  Block
}

var _ Evaluator = (*RuleSet)(nil)

type tagsFile struct {
	// Labels is decoded as a node to keep declaration order.
	Labels  yaml.Node `yaml:"labels"`
	Default string    `yaml:"default"`
}

type replyFile struct {
	ReplyNeeded Block `yaml:"reply_needed"`
	SuppressIf  Block `yaml:"suppress_if"`
}

// Load reads the tags and reply rule files. A missing file contributes
// no rules.
func Load(tagsPath, replyPath string) (*RuleSet, error) {
	tags, err := readOptional(tagsPath)
	if err != nil {
		return nil, err
	}
	reply, err := readOptional(replyPath)
	if err != nil {
		return nil, err
	}
	return Parse(tags, reply)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}
	return data, nil
}

// Parse builds a RuleSet from the two YAML documents. Labels are tried in
// declaration order.
func Parse(tagsYAML, replyYAML []byte) (*RuleSet, error) {
	rs := &RuleSet{defaultTag: DefaultTag}

	var tf tagsFile
	if err := yaml.Unmarshal(tagsYAML, &tf); err != nil {
		return nil, model.Wrap(model.KindInvalidInput, err, "parsing tag rules")
	}
	if tf.Default != "" {
		rs.defaultTag = tf.Default
	}
	if tf.Labels.Kind != 0 {
		if tf.Labels.Kind != yaml.MappingNode {
			return nil, model.E(model.KindInvalidInput, "tag rules: labels must be a mapping")
		}
		for i := 0; i+1 < len(tf.Labels.Content); i += 2 {
			name := tf.Labels.Content[i].Value
			var b Block
			if err := tf.Labels.Content[i+1].Decode(&b); err != nil {
				return nil, model.Wrap(model.KindInvalidInput, err, "parsing label %q", name)
			}
			if err := b.compile(); err != nil {
				return nil, model.Wrap(model.KindInvalidInput, err, "label %q", name)
			}
			rs.labels = append(rs.labels, label{name: name, block: b})
		}
	}

	var rf replyFile
	if err := yaml.Unmarshal(replyYAML, &rf); err != nil {
		return nil, model.Wrap(model.KindInvalidInput, err, "parsing reply rules")
	}
	if err := rf.ReplyNeeded.compile(); err != nil {
		return nil, model.Wrap(model.KindInvalidInput, err, "reply_needed")
	}
	if err := rf.SuppressIf.compile(); err != nil {
		return nil, model.Wrap(model.KindInvalidInput, err, "suppress_if")
	}
	rs.replyNeeded = rf.ReplyNeeded
	rs.suppressIf = rf.SuppressIf
	return rs, nil
}

// Labels returns the label names in evaluation order.
func (rs *RuleSet) Labels() []string {
	names := make([]string, 0, len(rs.labels))
	for _, l := range rs.labels {
		names = append(names, l.name)
	}
	return names
}

// Classify returns the first matching label, or the default tag.
func (rs *RuleSet) Classify(msg model.Message) Classification {
	for _, l := range rs.labels {
		if l.block.matches(msg) {
			return Classification{
				Tag:        l.name,
				Confidence: MatchConfidence,
				Reason:     "Matched rule for " + l.name,
			}
		}
	}
	return Classification{Tag: rs.defaultTag, Confidence: DefaultConfidence, Reason: "Default label"}
}

// NeedsReply applies suppress_if before reply_needed.
func (rs *RuleSet) NeedsReply(msg model.Message) (bool, string) {
	if rs.suppressIf.matches(msg) {
		return false, "Suppressed by rule"
	}
	if rs.replyNeeded.matches(msg) {
		return true, "Matched reply-needed rule"
	}
	return false, "No match"
}

func (b *Block) compile() error {
	for i := range b.Any {
		if err := b.Any[i].compile(); err != nil {
			return err
		}
	}
	for i := range b.All {
		if err := b.All[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

func (b Block) matches(msg model.Message) bool {
	switch {
	case len(b.Any) > 0:
		for _, p := range b.Any {
			if p.matches(msg) {
				return true
			}
		}
		return false
	case len(b.All) > 0:
		for _, p := range b.All {
			if !p.matches(msg) {
				return false
			}
		}
		return true
	}
	return false
}

func (p *Predicate) compile() error {
	to := p.ToRegex
	if to == "" {
		to = p.ToDomainRegex
	}
	for _, c := range []struct {
		name string
		expr string
		dst  **regexp.Regexp
	}{
		{"subject_regex", p.SubjectRegex, &p.subject},
		{"body_regex", p.BodyRegex, &p.body},
		{"from_regex", p.FromRegex, &p.from},
		{"to_regex", to, &p.to},
		{"header_regex", p.HeaderRegex, &p.header},
	} {
		if c.expr == "" {
			continue
		}
		re, err := regexp.Compile(c.expr)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		*c.dst = re
	}
	return nil
}

func (p Predicate) matches(msg model.Message) bool {
	if p.header != nil && !p.header.MatchString(msg.Headers) {
		return false
	}
	if p.subject != nil && !p.subject.MatchString(msg.Subject) {
		return false
	}
	if p.body != nil && !p.body.MatchString(msg.BodyText) {
		return false
	}
	if p.from != nil && !p.from.MatchString(msg.From) {
		return false
	}
	if p.to != nil && !p.to.MatchString(msg.To) {
		return false
	}
	if p.ListUnsubscribePresent != nil {
		have := strings.Contains(strings.ToLower(msg.Headers), "list-unsubscribe:")
		if have != *p.ListUnsubscribePresent {
			return false
		}
	}
	// There is no contacts source, so a positive contacts check never holds.
	if p.FromInContacts != nil && *p.FromInContacts {
		return false
	}
	return true
}
