package parser

import (
	"regexp"
	"strings"
)

var (
	fenceOpen  = regexp.MustCompile("^```(\\w*)")
	fenceClose = regexp.MustCompile("^```$")

	userPrompt = regexp.MustCompile(`(?i)^(?:❯|>|\$|human:|user:)\s*`)

	// Read(src/app.ts), optionally behind a status bullet.
	toolCall = regexp.MustCompile(`^(?:[●⏺]\s*)?([A-Z][a-zA-Z]+)\(([^)]*)\)`)
	// [Tool: Name], Tool: Name, calling name
	toolMarker = regexp.MustCompile(`(?i)^(?:\[Tool:\s*([^\]]+)\]|Tool:\s*(\w+)|calling\s+(\w+))`)

	toolResult = regexp.MustCompile(`(?i)\[Result\]|Result:|Output:|✓|✗|⎿`)

	systemLine = regexp.MustCompile(`(?i)^\[(?:system|info|warning|error)\]`)
)

// Line is one complete line of stripped output.
type Line struct {
	// Raw is the line with escape leftovers and the trailing \r removed.
	Raw string
	// Text is Raw without surrounding whitespace.
	Text string
}

func cleanLine(s string) string {
	return strings.TrimRight(bracketPattern.ReplaceAllString(s, ""), "\r")
}

func newLine(s string) Line {
	raw := cleanLine(s)
	return Line{Raw: raw, Text: strings.TrimSpace(raw)}
}

// Rule classifies a line and applies its effect on the parser.
type Rule struct {
	Name  string
	Match func(p *Parser, ln Line) bool
	Apply func(p *Parser, ln Line)
}

// DefaultRules returns the built-in rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		fenceBodyRule,
		fenceOpenRule,
		userPromptRule,
		toolCallRule,
		toolResultRule,
		systemRule,
		textRule,
	}
}

var fenceBodyRule = Rule{
	Name: "fence-body",
	Match: func(p *Parser, _ Line) bool {
		return p.fence != nil
	},
	Apply: func(p *Parser, ln Line) {
		if fenceClose.MatchString(ln.Text) {
			p.closeFence()
			return
		}
		p.fence.code.WriteString(ln.Raw)
		p.fence.code.WriteByte('\n')
	},
}

var fenceOpenRule = Rule{
	Name: "fence-open",
	Match: func(_ *Parser, ln Line) bool {
		return fenceOpen.MatchString(ln.Text)
	},
	Apply: func(p *Parser, ln Line) {
		m := fenceOpen.FindStringSubmatch(ln.Text)
		p.fence = &fence{lang: m[1]}
	},
}

var userPromptRule = Rule{
	Name: "user-prompt",
	Match: func(_ *Parser, ln Line) bool {
		return userPrompt.MatchString(ln.Text)
	},
	Apply: func(p *Parser, ln Line) {
		p.flush()
		content := strings.TrimSpace(userPrompt.ReplaceAllString(ln.Text, ""))
		if content == "" {
			return
		}
		p.commit(p.message(RoleUser, content))
	},
}

var toolCallRule = Rule{
	Name: "tool-call",
	Match: func(_ *Parser, ln Line) bool {
		return toolCall.MatchString(ln.Text) || toolMarker.MatchString(ln.Text)
	},
	Apply: func(p *Parser, ln Line) {
		m := p.message(RoleTool, ln.Text)
		md := m.meta()
		md.ToolStatus = ToolRunning
		if sub := toolCall.FindStringSubmatch(ln.Text); sub != nil {
			md.ToolName = sub[1]
			md.ToolArgs = map[string]string{"path": sub[2]}
		} else if sub := toolMarker.FindStringSubmatch(ln.Text); sub != nil {
			for _, name := range sub[1:] {
				if name != "" {
					md.ToolName = strings.TrimSpace(name)
					break
				}
			}
		}
		p.start(m)
	},
}

var toolResultRule = Rule{
	Name: "tool-result",
	Match: func(p *Parser, ln Line) bool {
		return p.current != nil && p.current.Role == RoleTool && toolResult.MatchString(ln.Text)
	},
	Apply: func(p *Parser, ln Line) {
		md := p.current.meta()
		if strings.Contains(ln.Text, "✗") && !strings.Contains(ln.Text, "✓") {
			md.ToolStatus = ToolError
		} else {
			md.ToolStatus = ToolCompleted
		}
		if md.ToolResult == "" {
			md.ToolResult = ln.Text
		} else {
			md.ToolResult += "\n" + ln.Text
		}
		p.appendText(ln.Text)
	},
}

var systemRule = Rule{
	Name: "system",
	Match: func(_ *Parser, ln Line) bool {
		return systemLine.MatchString(ln.Text)
	},
	Apply: func(p *Parser, ln Line) {
		p.start(p.message(RoleSystem, ln.Text))
	},
}

var textRule = Rule{
	Name:  "text",
	Match: func(*Parser, Line) bool { return true },
	Apply: func(p *Parser, ln Line) {
		if p.current == nil || p.current.Role == RoleUser {
			p.start(p.message(RoleAssistant, ln.Text))
			return
		}
		p.appendText(ln.Text)
	},
}
