// Package parser turns terminal output from an agent session into a
// sequence of structured conversation messages.
package parser

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolStatus tracks a tool invocation from start to result.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// CodeBlock is a fenced block of code attached to a message.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Metadata holds the optional structured parts of a message.
type Metadata struct {
	ToolName   string            `json:"toolName,omitempty"`
	ToolArgs   map[string]string `json:"toolArgs,omitempty"`
	ToolStatus ToolStatus        `json:"toolStatus,omitempty"`
	ToolResult string            `json:"toolResult,omitempty"`
	CodeBlock  *CodeBlock        `json:"codeBlock,omitempty"`
}

// Message is one unit of the parsed conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

func (m Message) clone() Message {
	if m.Metadata == nil {
		return m
	}
	md := *m.Metadata
	if md.ToolArgs != nil {
		args := make(map[string]string, len(md.ToolArgs))
		for k, v := range md.ToolArgs {
			args[k] = v
		}
		md.ToolArgs = args
	}
	if md.CodeBlock != nil {
		cb := *md.CodeBlock
		md.CodeBlock = &cb
	}
	m.Metadata = &md
	return m
}

func (m *Message) meta() *Metadata {
	if m.Metadata == nil {
		m.Metadata = &Metadata{}
	}
	return m.Metadata
}

type fence struct {
	lang string
	code strings.Builder
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithIDs sets the message ID generator.
func WithIDs(next func() string) Option {
	return func(p *Parser) { p.newID = next }
}

// WithRules replaces the line classification rules. Rules are tried in
// order and the first match wins.
func WithRules(rules []Rule) Option {
	return func(p *Parser) { p.rules = rules }
}

// Parser accumulates raw output and classifies it line by line. The result
// does not depend on how the output was split into chunks. A Parser is not
// safe for concurrent use; see Transcript.
type Parser struct {
	strip    stripper
	buf      []byte
	messages []Message
	current  *Message
	fence    *fence
	lastRole Role

	rules []Rule
	now   func() time.Time
	newID func() string
}

// New returns an empty parser.
func New(opts ...Option) *Parser {
	p := &Parser{
		lastRole: RoleAssistant,
		rules:    DefaultRules(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Write feeds chunk to the parser. It never fails.
func (p *Parser) Write(chunk []byte) (int, error) {
	p.Feed(chunk)
	return len(chunk), nil
}

// Feed consumes a chunk of raw output and returns the messages it completed.
func (p *Parser) Feed(chunk []byte) []Message {
	before := len(p.messages)
	p.buf = p.strip.strip(p.buf, chunk)

	start := 0
	for {
		i := bytes.IndexByte(p.buf[start:], '\n')
		if i < 0 {
			break
		}
		p.processLine(string(p.buf[start : start+i]))
		start += i + 1
	}
	if start > 0 {
		n := copy(p.buf, p.buf[start:])
		p.buf = p.buf[:n]
	}
	return cloneAll(p.messages[before:])
}

// FlushBuffer ends the stream: it closes an open fence, commits the current
// message and turns any unterminated trailing text into a final message.
// It returns every completed message and is idempotent.
func (p *Parser) FlushBuffer() []Message {
	rest := strings.TrimSpace(cleanLine(string(p.buf)))
	p.buf = p.buf[:0]

	if p.fence != nil {
		if rest != "" && !fenceClose.MatchString(rest) {
			p.fence.code.WriteString(rest)
			p.fence.code.WriteByte('\n')
		}
		rest = ""
		p.closeFence()
	}
	p.flush()

	if rest != "" {
		role := p.lastRole
		if role == RoleUser {
			role = RoleAssistant
		}
		p.commit(p.message(role, rest))
	}
	return p.Completed()
}

// Completed returns the committed messages.
func (p *Parser) Completed() []Message {
	return cloneAll(p.messages)
}

// Messages returns the committed messages followed by a snapshot of the
// message being built, if it has content.
func (p *Parser) Messages() []Message {
	out := cloneAll(p.messages)
	if p.current != nil && strings.TrimSpace(p.current.Content) != "" {
		out = append(out, p.current.clone())
	}
	return out
}

// Streaming reports whether a message is still being built.
func (p *Parser) Streaming() bool {
	return p.current != nil
}

// Reset discards all state.
func (p *Parser) Reset() {
	p.strip = stripper{}
	p.buf = nil
	p.messages = nil
	p.current = nil
	p.fence = nil
	p.lastRole = RoleAssistant
}

// Classify returns the name of the rule that would handle line in the
// parser's current state, or "" for a line that would be skipped.
func (p *Parser) Classify(line string) string {
	ln := newLine(line)
	if ln.Text == "" && p.fence == nil {
		return ""
	}
	for _, r := range p.rules {
		if r.Match(p, ln) {
			return r.Name
		}
	}
	return ""
}

func (p *Parser) processLine(raw string) {
	ln := newLine(raw)
	if ln.Text == "" && p.fence == nil {
		return
	}
	for _, r := range p.rules {
		if r.Match(p, ln) {
			r.Apply(p, ln)
			return
		}
	}
}

func (p *Parser) message(role Role, content string) *Message {
	return &Message{
		ID:        p.newID(),
		Role:      role,
		Content:   content,
		Timestamp: p.now(),
	}
}

// start makes m the message being built.
func (p *Parser) start(m *Message) {
	p.flush()
	p.current = m
	p.lastRole = m.Role
}

// flush commits the current message if it has content and clears it.
func (p *Parser) flush() {
	if p.current != nil && strings.TrimSpace(p.current.Content) != "" {
		p.messages = append(p.messages, *p.current)
	}
	p.current = nil
}

func (p *Parser) commit(m *Message) {
	p.messages = append(p.messages, *m)
	p.lastRole = m.Role
}

func (p *Parser) appendText(text string) {
	if p.current.Content == "" {
		p.current.Content = text
		return
	}
	p.current.Content += "\n" + text
}

func (p *Parser) closeFence() {
	f := p.fence
	p.fence = nil
	if f == nil {
		return
	}
	lang := f.lang
	if lang == "" {
		lang = "plaintext"
	}
	code := strings.TrimSpace(f.code.String())

	if p.current == nil {
		p.start(p.message(RoleAssistant, ""))
	}
	p.current.meta().CodeBlock = &CodeBlock{Language: lang, Code: code}
	p.appendText("```" + f.lang + "\n" + code + "\n```")
}

func cloneAll(ms []Message) []Message {
	out := make([]Message, len(ms))
	for i, m := range ms {
		out[i] = m.clone()
	}
	return out
}
