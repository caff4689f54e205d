package main

import (
	"scan/internal/output"
	"scan/internal/presentation"
	"scan/internal/session"
)

// archiveExpansion is the toggle state the TUI keeps for an archived turn,
// whose presenter is no longer live.
type archiveExpansion struct {
	summary bool
	usage   bool
	groups  map[int]bool
}

// archivedView rebuilds a displayable view of at with exp applied. The
// result shares no pointers with at.
func archivedView(at session.ArchivedTurn, exp archiveExpansion) presentation.View {
	var view presentation.View
	if at.View != nil {
		view = *at.View
		view.Groups = append([]presentation.GroupView(nil), at.View.Groups...)
	} else {
		view = presentation.View{Query: at.Query, Answer: at.Rendered}
		if view.Answer == "" {
			view.Answer = at.Answer
		}
	}

	summary := at.Summary
	if at.View != nil && at.View.Summary != nil {
		summary = at.View.Summary
	}
	if summary != nil {
		s := *summary
		s.Expanded = exp.summary
		if s.Usage != nil {
			usage := *s.Usage
			usage.Expanded = exp.usage
			s.Usage = &usage
		}
		view.Summary = &s
	}
	for i := range view.Groups {
		view.Groups[i].Expanded = view.Groups[i].Toggleable && exp.groups[view.Groups[i].Seq]
	}
	return view
}

func renderArchived(r *output.TerminalRenderer, at session.ArchivedTurn, exp archiveExpansion) string {
	return r.Turn(archivedView(at, exp), output.Frame{})
}
