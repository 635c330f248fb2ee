package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phroun/anchorage"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive document editing session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := rt.startReplication(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "anchorctl REPL - type 'help' for commands, 'quit' to exit")
			repl := newREPL(ctx, rt, out)
			return repl.run(bufio.NewReader(cmd.InOrStdin()))
		},
	}
}

// REPL holds the state of the interactive session.
type REPL struct {
	ctx context.Context
	rt  *app
	out io.Writer

	doc anchorage.EntityID
	has bool

	// names maps short session names to anchor and range marker ids.
	anchors map[string]anchorage.AnchorID
	markers map[string]anchorage.RangeMarkerID
}

func newREPL(ctx context.Context, rt *app, out io.Writer) *REPL {
	return &REPL{
		ctx:     ctx,
		rt:      rt,
		out:     out,
		anchors: make(map[string]anchorage.AnchorID),
		markers: make(map[string]anchorage.RangeMarkerID),
	}
}

func (r *REPL) run(in *bufio.Reader) error {
	for {
		fmt.Fprint(r.out, "anchorage> ")
		input, err := in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !r.handleCommand(input) {
			return nil
		}
	}
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) handleCommand(input string) bool {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help":
		r.printHelp()
	case "quit", "exit":
		return false
	case "new":
		err = r.cmdNew(restOf(input, 1), false)
	case "newshared":
		err = r.cmdNew(restOf(input, 1), true)
	case "open":
		err = r.cmdOpen(args)
	case "share":
		err = r.cmdShare()
	case "status":
		err = r.cmdStatus()
	case "text":
		err = r.cmdText()
	case "insert":
		err = r.cmdInsert(args, input)
	case "delete":
		err = r.cmdDelete(args)
	case "replace":
		err = r.cmdReplace(args, input)
	case "anchor":
		err = r.cmdAnchor(args)
	case "marker":
		err = r.cmdMarker(args)
	case "resolve":
		err = r.cmdResolve(args)
	case "remove":
		err = r.cmdRemove(args)
	case "log":
		err = r.cmdLog()
	case "replay":
		err = r.cmdReplay()
	default:
		r.printf("Unknown command: %s. Type 'help' for available commands.\n", cmd)
	}
	if err != nil {
		r.printf("Error: %v\n", err)
	}
	return true
}

func (r *REPL) printHelp() {
	r.printf(`
Available Commands:
-------------------

DOCUMENTS:
  new <text>                         Create a local document
  newshared <text>                   Create a shared (replicated) document
  open <uid>                         Open a document by uid, restoring it from the journal if needed
  share                              Share the current document and print its uid
  status                             Show the current document
  text                               Print the current text

EDITING (offsets count runes):
  insert <at> <text>                 Insert text
  delete <from> <to>                 Delete runes [from, to)
  replace <from> <to> <text>         Replace runes [from, to)

ANCHORS:
  anchor <name> <offset> [left|right] [document|local]
  marker <name> <from> <to> [open|closed] [document|local]
  resolve <name>                     Resolve an anchor or range marker
  remove <name>                      Remove an anchor or range marker

HISTORY:
  log                                List the edit log
  replay                             Replay the log from the initial text and compare

  help                               Show this help
  quit, exit                         Leave the REPL

Escape sequences \n and \t are expanded in inserted text.
`)
}

// restOf returns input after its first n fields, with escapes expanded.
func restOf(input string, n int) string {
	s := strings.TrimLeft(input, " \t")
	for range n {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return ""
		}
		s = strings.TrimLeft(s[i:], " \t")
	}
	s = strings.ReplaceAll(s, "\\n", "\n")
	return strings.ReplaceAll(s, "\\t", "\t")
}

func (r *REPL) current() (*anchorage.Document, error) {
	if !r.has {
		return nil, errors.New("no document is open; use 'new <text>'")
	}
	return r.rt.lib.Document(r.ctx, r.doc)
}

func (r *REPL) mutate(fn func(m *anchorage.Mutation) error) error {
	if !r.has {
		return errors.New("no document is open; use 'new <text>'")
	}
	return r.rt.lib.Mutate(r.ctx, r.doc, fn)
}

func (r *REPL) cmdNew(content string, shared bool) error {
	doc, err := r.rt.lib.CreateDocument(r.ctx, anchorage.DocumentOptions{Content: content, Shared: shared})
	if err != nil {
		return err
	}
	r.open(doc)
	r.printf("Created document %s (uid %s) with %d runes\n", doc.ID(), doc.UID(), doc.Text().Len())
	return nil
}

func (r *REPL) cmdOpen(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: open <uid>")
	}
	id, err := r.rt.lib.LookupUID(r.ctx, args[0])
	if err == nil {
		doc, err := r.rt.lib.Document(r.ctx, id)
		if err != nil {
			return err
		}
		r.open(doc)
		r.printf("Opened document %s\n", doc.UID())
		return nil
	}
	if r.rt.journal == nil {
		return err
	}
	doc, err := r.rt.journal.Restore(r.ctx, r.rt.lib, args[0])
	if err != nil {
		return err
	}
	r.open(doc)
	r.printf("Restored document %s with %d edits\n", doc.UID(), doc.Edits().Len())
	return nil
}

func (r *REPL) open(doc *anchorage.Document) {
	r.doc, r.has = doc.ID(), true
	clear(r.anchors)
	clear(r.markers)
}

func (r *REPL) cmdShare() error {
	if !r.has {
		return errors.New("no document is open")
	}
	uid, err := r.rt.lib.Share(r.ctx, r.doc)
	if err != nil {
		return err
	}
	r.printf("Shared as %s\n", uid)
	return nil
}

func (r *REPL) cmdStatus() error {
	doc, err := r.current()
	if err != nil {
		return err
	}
	version, ok := doc.Edits().Version()
	if !ok {
		version = "(none)"
	}
	r.printf("Document %s\n", doc.ID())
	r.printf("  UID:       %s\n", doc.UID())
	r.printf("  Shared:    %v\n", doc.Shared())
	r.printf("  Runes:     %d\n", doc.Text().Len())
	r.printf("  Timestamp: %d\n", doc.Timestamp())
	r.printf("  Version:   %s\n", version)
	r.printf("  Anchors:   %d document, %d local\n", doc.Anchors().AnchorCount(), doc.LocalAnchors().AnchorCount())
	r.printf("  Markers:   %d document, %d local\n", doc.Anchors().RangeMarkerCount(), doc.LocalAnchors().RangeMarkerCount())
	return nil
}

func (r *REPL) cmdText() error {
	doc, err := r.current()
	if err != nil {
		return err
	}
	r.printf("%q\n", doc.Text().String())
	return nil
}

func (r *REPL) cmdInsert(args []string, input string) error {
	if len(args) < 2 {
		return errors.New("usage: insert <at> <text>")
	}
	at, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	text := restOf(input, 2)
	return r.edit(func(m *anchorage.Mutation) error { return m.Insert(at, text) })
}

func (r *REPL) cmdDelete(args []string) error {
	from, to, err := parseRange(args, "usage: delete <from> <to>")
	if err != nil {
		return err
	}
	return r.edit(func(m *anchorage.Mutation) error { return m.Delete(from, to) })
}

func (r *REPL) cmdReplace(args []string, input string) error {
	from, to, err := parseRange(args, "usage: replace <from> <to> <text>")
	if err != nil {
		return err
	}
	text := restOf(input, 3)
	return r.edit(func(m *anchorage.Mutation) error { return m.Replace(from, to, text) })
}

func (r *REPL) edit(fn func(m *anchorage.Mutation) error) error {
	var ts int64
	err := r.mutate(func(m *anchorage.Mutation) error {
		if err := fn(m); err != nil {
			return err
		}
		ts = m.Timestamp()
		return nil
	})
	if err != nil {
		return err
	}
	r.printf("OK, timestamp %d\n", ts)
	return nil
}

func (r *REPL) cmdAnchor(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: anchor <name> <offset> [left|right] [document|local]")
	}
	offset, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	stick, lifetime := anchorage.StickLeft, anchorage.LifetimeDocument
	for _, a := range args[2:] {
		switch strings.ToLower(a) {
		case "left":
			stick = anchorage.StickLeft
		case "right":
			stick = anchorage.StickRight
		case "document":
			lifetime = anchorage.LifetimeDocument
		case "local":
			lifetime = anchorage.LifetimeLocal
		default:
			return fmt.Errorf("unknown anchor option %q", a)
		}
	}

	var id anchorage.AnchorID
	err = r.mutate(func(m *anchorage.Mutation) error {
		var err error
		id, err = m.CreateAnchor(offset, lifetime, stick)
		return err
	})
	if err != nil {
		return err
	}
	r.anchors[args[0]] = id
	r.printf("Anchor %s = %s (%s, %s)\n", args[0], id, stick, lifetime)
	return nil
}

func (r *REPL) cmdMarker(args []string) error {
	if len(args) < 3 {
		return errors.New("usage: marker <name> <from> <to> [open|closed] [document|local]")
	}
	from, to, err := parseRange(args[1:], "usage: marker <name> <from> <to>")
	if err != nil {
		return err
	}
	closed, lifetime := false, anchorage.LifetimeDocument
	for _, a := range args[3:] {
		switch strings.ToLower(a) {
		case "open":
			closed = false
		case "closed":
			closed = true
		case "document":
			lifetime = anchorage.LifetimeDocument
		case "local":
			lifetime = anchorage.LifetimeLocal
		default:
			return fmt.Errorf("unknown marker option %q", a)
		}
	}

	var id anchorage.RangeMarkerID
	err = r.mutate(func(m *anchorage.Mutation) error {
		var err error
		id, err = m.CreateRangeMarker(from, to, lifetime, closed, closed)
		return err
	})
	if err != nil {
		return err
	}
	r.markers[args[0]] = id
	r.printf("Marker %s = %s (%s)\n", args[0], id, lifetime)
	return nil
}

func (r *REPL) cmdResolve(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: resolve <name>")
	}
	doc, err := r.current()
	if err != nil {
		return err
	}
	if id, ok := r.anchors[args[0]]; ok {
		off, ok := doc.ResolveAnchor(id)
		if !ok {
			return fmt.Errorf("anchor %s is gone", args[0])
		}
		r.printf("%s -> %d\n", args[0], off)
		return nil
	}
	if id, ok := r.markers[args[0]]; ok {
		rng, ok := doc.ResolveRangeMarker(id)
		if !ok {
			return fmt.Errorf("marker %s is gone", args[0])
		}
		s, _ := doc.Text().Slice(rng.From, rng.To)
		r.printf("%s -> (%d, %d) %q\n", args[0], rng.From, rng.To, s)
		return nil
	}
	return fmt.Errorf("unknown name %q", args[0])
}

func (r *REPL) cmdRemove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove <name>")
	}
	name := args[0]
	if id, ok := r.anchors[name]; ok {
		if err := r.mutate(func(m *anchorage.Mutation) error { return m.RemoveAnchor(id) }); err != nil {
			return err
		}
		delete(r.anchors, name)
	} else if id, ok := r.markers[name]; ok {
		if err := r.mutate(func(m *anchorage.Mutation) error { return m.RemoveRangeMarker(id) }); err != nil {
			return err
		}
		delete(r.markers, name)
	} else {
		return fmt.Errorf("unknown name %q", name)
	}
	r.printf("Removed %s\n", name)
	return nil
}

func (r *REPL) cmdLog() error {
	doc, err := r.current()
	if err != nil {
		return err
	}
	for i, e := range doc.Edits().Entries() {
		r.printf("%4d  %s  %s\n", i+1, e.ID, e.Op)
	}
	if doc.Edits().Len() == 0 {
		r.printf("(empty)\n")
	}
	return nil
}

func (r *REPL) cmdReplay() error {
	doc, err := r.current()
	if err != nil {
		return err
	}
	text, err := doc.Edits().Replay(doc.Initial())
	if err != nil {
		return err
	}
	r.printf("Replayed %d edits: %q (matches: %v)\n", doc.Edits().Len(), text.String(), text == doc.Text())
	return nil
}

func parseRange(args []string, usage string) (int, int, error) {
	if len(args) < 2 {
		return 0, 0, errors.New(usage)
	}
	from, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid offset: %w", err)
	}
	to, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid offset: %w", err)
	}
	return from, to, nil
}
