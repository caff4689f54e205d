package presentation

import (
	"fmt"
	"net/url"
	"strings"

	"scan/internal/stream"
	"scan/internal/trace"
)

const (
	// MaxGroupSources caps the source strip of a finished group.
	MaxGroupSources = 6
	// MaxSummaryHosts caps the host strip of a turn summary.
	MaxSummaryHosts = 10
)

// StageLabel maps a backend stage name to the status indicator text.
func StageLabel(stage string) string {
	switch stage {
	case "researching":
		return "RESEARCHING"
	case "responding":
		return "GENERATING"
	default:
		return strings.ToUpper(stage)
	}
}

// Host returns the display host of rawURL without a leading "www.". It
// falls back to the raw string when it does not parse.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// UniqueHosts returns the distinct hosts of urls in first-seen order,
// capped at limit.
func UniqueHosts(urls []string, limit int) []string {
	seen := make(map[string]struct{}, len(urls))
	var hosts []string
	for _, raw := range urls {
		host := Host(raw)
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
		if limit > 0 && len(hosts) == limit {
			break
		}
	}
	return hosts
}

// GroupLabel is the header text of a topic group.
func GroupLabel(g *trace.TopicGroup) string {
	if g.Done() {
		return "Researched " + g.Topic
	}
	return "Researching " + g.Topic
}

func sourceCaption(n int) string {
	if n == 1 {
		return "Read 1 source"
	}
	return fmt.Sprintf("Read %d sources", n)
}

func toolCountLabel(n int) string {
	if n == 1 {
		return "Used 1 tool"
	}
	return fmt.Sprintf("Used %d tools", n)
}

// CallLabel describes a tool call in its current status.
func CallLabel(c *trace.ToolCall) string {
	switch c.Kind {
	case trace.KindSearch:
		if c.Running() {
			return fmt.Sprintf("Searching %q", c.Query)
		}
		return fmt.Sprintf("Searched %q", c.Query)
	default:
		switch c.Status {
		case trace.StatusRunning:
			return "Reading " + Host(c.URL)
		case trace.StatusFailed:
			return "Could not read " + Host(c.URL)
		default:
			return "Read " + Host(c.URL)
		}
	}
}

// CallAnnotation is the short note shown after a call, such as a result
// count. Empty when there is nothing to add.
func CallAnnotation(c *trace.ToolCall) string {
	switch {
	case c.Kind == trace.KindSearch && c.NumResults != nil:
		if *c.NumResults == 1 {
			return "1 result"
		}
		return fmt.Sprintf("%d results", *c.NumResults)
	case c.Kind == trace.KindFetch && c.Usage != nil:
		return formatTokens(c.Usage.Tokens()) + " tokens"
	default:
		return ""
	}
}

// formatTokens renders 1234 as "1.2k" and 1234567 as "1.2M".
func formatTokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatCost(cost float64) string {
	if cost < 0.01 {
		return fmt.Sprintf("$%.4f", cost)
	}
	return fmt.Sprintf("$%.2f", cost)
}

func usageBadge(u stream.UsageSummary) string {
	return fmt.Sprintf("%s tokens · %s", formatTokens(u.Total.Tokens()), formatCost(u.Total.Cost()))
}

func costLine(role string, u stream.TokenUsage) CostLine {
	return CostLine{
		Role:         role,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         u.Cost(),
		Text: fmt.Sprintf("%s: %s in / %s out · %s", role,
			formatTokens(u.InputTokens), formatTokens(u.OutputTokens), formatCost(u.Cost())),
	}
}
