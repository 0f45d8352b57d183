package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// briefing is the pair of prompts handed to the reasoning backend for
// one cycle.
type briefing struct {
	System string
	User   string
}

const systemPreamble = `You are vigil, an autonomous agent living in a sandboxed home
directory. You wake on a schedule, decide what to do, act, and sleep.

Your filesystem is divided into zones: /state (private notes and
records), /projects (work in progress), /income (your ledger), /comms
(message queues), /www (published to the public).

Respond with zero or more action tags. Available actions:
  <write path="..." mode="overwrite|append">content</write>
  <serve path="...">content</serve>
  <think>private reasoning, appended to your journal</think>
  <checkpoint label="..."/>
  <message to="...">content</message>
  <fetch url="..."/>
  <execute timeout="60" dir="/projects">shell command</execute>
  <delegate task="..." path="...">brief for the sub-worker</delegate>
  <set_schedule cron="0 */2 * * *"/>

Anything outside action tags is discarded. Work within your budget;
when it is exhausted you go dormant.`

// buildBriefing assembles the cycle context: founding document, recent
// journal, inbound messages, recent policy decisions, and the economic
// position. Inbox messages are consumed, they appear in exactly one
// briefing.
func (s *Supervisor) buildBriefing(cycle int, trigger string) briefing {
	var b strings.Builder

	snap := s.ledger.Stats()
	fmt.Fprintf(&b, "Cycle %d, woken by %s.\n", cycle, trigger)
	fmt.Fprintf(&b, "Budget: %.4f USD remaining of %.2f initial (%.4f spent, %.4f earned).\n\n",
		snap.BalanceUSD, snap.InitialBudgetUSD, snap.TotalSpentUSD, snap.TotalEarnedUSD)

	if inbox := s.consumeInbox(); inbox != "" {
		b.WriteString("## New messages\n\n")
		b.WriteString(inbox)
		b.WriteString("\n")
	}

	if journal, oversized := s.journalTail(); journal != "" {
		b.WriteString("## Recent journal\n\n")
		b.WriteString(journal)
		b.WriteString("\n")
		if oversized {
			fmt.Fprintf(&b, "\nNote: your journal has grown past %d bytes. Consider summarizing and starting fresh.\n", s.cfg.Limits.JournalWarnBytes)
		}
	}

	if s.decisions != nil {
		if recent, err := s.decisions.Recent(10); err == nil && len(recent) > 0 {
			b.WriteString("## Recent action decisions\n\n")
			for _, rec := range recent {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", rec.Decision, rec.ActionKind, rec.Description)
			}
			b.WriteString("\n")
		}
	}

	if hist := s.historyTail(5); hist != "" {
		b.WriteString("## Previous cycles\n\n")
		b.WriteString(hist)
		b.WriteString("\n")
	}

	system := systemPreamble
	if constitution := s.readConstitution(); constitution != "" {
		system = systemPreamble + "\n\n## Your constitution\n\n" + constitution
	}

	return briefing{System: system, User: b.String()}
}

func (s *Supervisor) readConstitution() string {
	physical, err := s.sandbox.ResolveRead("/state/constitution.md")
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(physical)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// journalTail returns up to the last 4 KiB of the journal and whether
// the whole file has passed the warning threshold.
func (s *Supervisor) journalTail() (string, bool) {
	physical, err := s.sandbox.ResolveRead("/state/journal.md")
	if err != nil {
		return "", false
	}
	info, err := os.Stat(physical)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(physical)
	if err != nil {
		return "", false
	}
	const tail = 4 * 1024
	text := string(data)
	if len(text) > tail {
		text = "..." + text[len(text)-tail:]
	}
	return text, info.Size() > s.cfg.Limits.JournalWarnBytes
}

// consumeInbox reads and removes every pending inbound message.
func (s *Supervisor) consumeInbox() string {
	physical, err := s.sandbox.ResolveRead("/comms/inbox")
	if err != nil {
		return ""
	}
	entries, err := os.ReadDir(physical)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		full := filepath.Join(physical, name)
		data, err := os.ReadFile(full)
		if err != nil {
			s.log.Warn("inbox message unreadable", zap.String("file", name), zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", name, strings.TrimSpace(string(data)))
		if err := os.Remove(full); err != nil {
			s.log.Warn("inbox message not consumed", zap.String("file", name), zap.Error(err))
		}
	}
	return b.String()
}
