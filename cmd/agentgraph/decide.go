package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/agentgraph"
	"github.com/hupe1980/agentgraph/hitl"
)

// decider answers the checkpoint a suspended run waits on and returns the
// outcome of the resumed run.
type decider struct {
	app    *app
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
	// fixed answers every checkpoint without asking.
	fixed string
}

func (d *decider) resolve(ctx context.Context, res agentgraph.Result) (agentgraph.Result, error) {
	id := res.PendingRequestID
	rec, err := d.app.approvals.Get(id)
	if err != nil {
		return res, err
	}

	switch {
	case d.fixed != "":
		resp, err := parseDecision(d.fixed)
		if err != nil {
			return res, err
		}
		fmt.Fprintf(d.out, "checkpoint %s: %s\n", id, resp.Action)
		return d.respond(ctx, res, resp)

	case d.app.notifier != nil:
		fmt.Fprintf(d.out, "waiting for a decision on checkpoint %s (respond on %s)\n", id, d.app.notifier.ResponseSubject())
		rec, err := d.app.approvals.Wait(ctx, id)
		if err != nil {
			return res, err
		}
		if rec.State == hitl.StateExpired {
			return d.background(ctx)
		}
		return d.app.orch.Resume(ctx, res.WorkflowID)

	default:
		if d.reader == nil {
			d.reader = bufio.NewReader(d.in)
		}
		printRequest(d.out, rec.Request)
		line, err := d.reader.ReadString('\n')
		if err != nil && strings.TrimSpace(line) == "" {
			return res, fmt.Errorf("no decision for checkpoint %s: %w", id, err)
		}
		resp, err := parseDecision(line)
		if err != nil {
			fmt.Fprintln(d.out, err)
			return res, nil
		}
		return d.respond(ctx, res, resp)
	}
}

func (d *decider) respond(ctx context.Context, res agentgraph.Result, resp hitl.Response) (agentgraph.Result, error) {
	out, err := d.app.orch.Respond(ctx, res.PendingRequestID, resp)
	if errors.Is(err, hitl.ErrAlreadyResolved) {
		// expired while we were asking; the background resume reports it
		return d.background(ctx)
	}
	return out, err
}

func (d *decider) background(ctx context.Context) (agentgraph.Result, error) {
	select {
	case r := <-d.app.results:
		return r, nil
	case <-ctx.Done():
		return agentgraph.Result{}, ctx.Err()
	}
}

func printRequest(w io.Writer, req hitl.Request) {
	fmt.Fprintf(w, "\n== %s [%s, expires %s]\n", req.Title, req.Priority, req.ExpiresAt.Format("2006-01-02 15:04"))
	content := req.Content
	if len(content) > 2000 {
		content = content[:2000] + "\n[truncated]"
	}
	fmt.Fprintln(w, content)
	fmt.Fprint(w, "approve | reject <reason> | cancel > ")
}

// parseDecision reads "approve [note]", "reject <reason>" or "cancel".
func parseDecision(line string) (hitl.Response, error) {
	line = strings.TrimSpace(line)
	verb, feedback, _ := strings.Cut(line, " ")
	resp := hitl.Response{Feedback: strings.TrimSpace(feedback), Responder: "cli"}

	switch strings.ToLower(verb) {
	case "a", "approve", "y", "yes":
		resp.Action = hitl.ActionApprove
	case "r", "reject", "n", "no":
		resp.Action = hitl.ActionReject
	case "c", "cancel":
		resp.Action = hitl.ActionCancel
	case "":
		return hitl.Response{}, errors.New("empty decision")
	default:
		return hitl.Response{}, fmt.Errorf("unknown decision %q", verb)
	}
	return resp, nil
}
