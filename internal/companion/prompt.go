package companion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/companion/internal/memory"
)

const worldTimeLayout = "Monday, 2006-01-02 15:04 MST"

func buildSystemPrompt(ctx context.Context, req ConverseRequest, now time.Time) string {
	p := req.Profile
	userName := p.UserName
	if userName == "" {
		userName = "the user"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a virtual companion who lives on %s's desktop as an animated character. ", p.SelfName, userName)
	b.WriteString("Chat the way a close friend would: warm, natural, and brief. Speak in the first person and never describe yourself as an AI model.\n")
	b.WriteString("When the user mentions something from the past that you cannot see in this conversation, call get_memory with a short description of what you want to recall before answering.\n")

	b.WriteString("\n# About yourself\n")
	b.WriteString(orNothing(p.MemoryAboutSelf))
	fmt.Fprintf(&b, "\n\n# About %s\n", userName)
	b.WriteString(orNothing(p.MemoryAboutUser))

	b.WriteString("\n\n# World info\n")
	fmt.Fprintf(&b, "- Current time: %s\n", now.Format(worldTimeLayout))
	start, ok := sessionStart(req.History)
	if ok {
		fmt.Fprintf(&b, "- This conversation started: %s\n", start.Format(worldTimeLayout))
	}
	first := req.FirstInteraction
	if first.IsZero() || (ok && start.Before(first)) {
		first = start
	}
	if !first.IsZero() {
		fmt.Fprintf(&b, "- You first met %s: %s\n", userName, first.Format(worldTimeLayout))
	}
	if req.Weather != nil {
		if w, err := req.Weather.Current(ctx); err != nil {
			log.Printf("[weather] lookup failed, omitting weather: %v", err)
		} else if w != "" {
			fmt.Fprintf(&b, "- Weather: %s\n", w)
		}
	}
	return b.String()
}

func sessionStart(history []memory.ShortTermMemory) (time.Time, bool) {
	if len(history) == 0 {
		return time.Time{}, false
	}
	oldest := history[0].Timestamp
	for _, t := range history[1:] {
		if t.Timestamp < oldest {
			oldest = t.Timestamp
		}
	}
	return memory.Time(oldest), true
}

func orNothing(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Nothing known yet."
	}
	return s
}
