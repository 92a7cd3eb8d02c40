package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/verify"
)

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}

func anchorText(a *ir.AnchorReceipt) string {
	if a == nil {
		return "-"
	}
	return fmt.Sprintf("%s@%d", shortHash(a.TxRef), a.BlockHeight)
}

// entryView renders one committed entry.
type entryView struct {
	ir.LedgerEntry
}

func (v entryView) renderText(w io.Writer) error {
	e := v.LedgerEntry
	_, err := fmt.Fprintf(w, "subject:   %s\ncategory:  %s\nrecord:    %s\nseq:       %d\nhash:      %s\nprevious:  %s\ntimestamp: %s\n",
		e.Subject, e.Category, e.RecordID, e.Seq, e.HashValue, e.PreviousHash, ir.FormatTimestamp(e.Timestamp))
	return err
}

// entriesView renders a lane or profile as a table.
type entriesView []ir.LedgerEntry

func (v entriesView) renderText(w io.Writer) error {
	if len(v) == 0 {
		_, err := fmt.Fprintln(w, "no entries")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tSEQ\tRECORD\tHASH\tPREVIOUS\tTIMESTAMP\tANCHOR")
	for _, e := range v {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Category, e.Seq, e.RecordID, shortHash(e.HashValue), shortHash(e.PreviousHash),
			ir.FormatTimestamp(e.Timestamp), anchorText(e.Anchor))
	}
	return tw.Flush()
}

// auditView renders access history.
type auditView []ir.AuditEntry

func (v auditView) renderText(w io.Writer) error {
	if len(v) == 0 {
		_, err := fmt.Fprintln(w, "no access recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tACTOR\tGRANTED\tTARGET\tREASON")
	for _, a := range v {
		target := string(a.Category)
		if a.RecordID != "" {
			target += "/" + a.RecordID
		}
		if a.EntryHash != "" {
			target += "#" + shortHash(a.EntryHash)
		}
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n",
			a.Seq, ir.FormatTimestamp(a.Timestamp), a.Actor, a.Granted, target, a.Reason)
	}
	return tw.Flush()
}

// reportView renders a verification sweep.
type reportView struct {
	OK      bool            `json:"ok"`
	Lanes   int             `json:"lanes"`
	Results []verify.Result `json:"results"`
	Suspect []suspectView   `json:"suspect"`
}

type suspectView struct {
	Lane  ir.Lane       `json:"lane"`
	Break *verify.Break `json:"break,omitempty"`
	Error string        `json:"error"`
}

func newReportView(r verify.Report) reportView {
	v := reportView{OK: r.OK(), Lanes: len(r.Results), Results: r.Results, Suspect: []suspectView{}}
	for _, res := range r.Suspect() {
		v.Suspect = append(v.Suspect, suspectView{Lane: res.Lane, Break: res.Break, Error: res.Err().Error()})
	}
	return v
}

func (v reportView) renderText(w io.Writer) error {
	if v.OK {
		_, err := fmt.Fprintf(w, "verified %d lanes: all intact\n", v.Lanes)
		return err
	}
	fmt.Fprintf(w, "verified %d lanes: %d suspect\n", v.Lanes, len(v.Suspect))
	for _, s := range v.Suspect {
		if s.Break == nil {
			fmt.Fprintf(w, "  %s: unreadable: %s\n", s.Lane, s.Error)
			continue
		}
		fmt.Fprintf(w, "  %s: %s at index %d (seq %d)\n    expected %s\n    actual   %s\n",
			s.Lane, s.Break.Kind, s.Break.Index, s.Break.Seq, s.Break.Expected, s.Break.Actual)
	}
	return nil
}

// statsView renders ledger statistics.
type statsView struct {
	ir.LedgerStats
}

func (v statsView) renderText(w io.Writer) error {
	s := v.LedgerStats
	fmt.Fprintf(w, "entries: %d  subjects: %d  lanes: %d  anchored: %d  unanchored: %d\n",
		s.Entries, s.Subjects, s.Lanes, s.Anchored, s.Unanchored)
	if len(s.Categories) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tENTRIES\tANCHORED\tUNANCHORED")
	for _, c := range s.Categories {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", c.Category, c.Entries, c.Anchored, c.Unanchored)
	}
	return tw.Flush()
}
