package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/queue"
)

type DispatchCmd struct {
	Type    string        `arg:"" help:"Command type, for example ProjectCreate."`
	Payload string        `arg:"" help:"JSON payload file, - reads stdin."`
	ID      string        `help:"Command id; generated when empty."`
	User    string        `help:"Acting user id." default:"cli"`
	Email   string        `help:"Acting user email."`
	Wait    time.Duration `help:"How long to wait for the result when running in process." default:"1m"`
}

func (c *DispatchCmd) command() (*command.Command, error) {
	t := command.Type(c.Type)
	payload, ok := command.NewPayload(t)
	if !ok {
		return nil, errors.New(fmt.Sprintf("unknown command type %q", c.Type), errors.CategoryBadInput).
			WithTextCode(command.ErrCodeUnknownCommandType)
	}

	var (
		data []byte
		err  error
	)
	if c.Payload == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.Payload)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "read payload")
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "decode "+c.Type+" payload")
	}

	user := &model.User{ID: c.User, Email: c.Email}
	cmd := command.New(t, user, payload)
	if c.ID != "" {
		cmd = command.NewWithID(c.ID, t, user, payload, time.Now())
	}
	return cmd, cmd.Validate()
}

// Run publishes to the configured broker, or dispatches in process when the
// queue is in memory and prints the final result.
func (c *DispatchCmd) Run(g *Globals) error {
	cmd, err := c.command()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Wait)
	defer cancel()

	a, err := build(ctx, g.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	mem, inProcess := a.queue.(*queue.MemoryQueue)
	if !inProcess {
		if err := a.queue.Add(ctx, cmd); err != nil {
			return err
		}
		fmt.Println(cmd.ID)
		return nil
	}

	consumeCtx, stopConsume := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.dispatcher.Run(consumeCtx, mem) }()
	defer func() {
		stopConsume()
		<-done
	}()

	if _, err := a.dispatcher.Dispatch(ctx, cmd); err != nil {
		return err
	}
	res, err := a.dispatcher.Wait(ctx, cmd.ID)
	if err != nil {
		return err
	}
	if err := mem.WaitIdle(ctx); err != nil {
		a.logger.Warn("follow-up commands still queued: %v", err)
	}
	return printJSON(res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
