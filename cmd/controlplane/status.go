package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goliatone/go-errors"
	"github.com/pressly/goose/v3"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/store"
)

// StatusCmd reads results straight from the SQL store, so it works while
// serve is running elsewhere.
type StatusCmd struct {
	ID     string `arg:"" optional:"" help:"Command id. Without one, lists unfinished commands."`
	Status string `help:"List commands in this runtime status instead." enum:",Pending,Running,Completed,Failed,Canceled,ContinuedAsNew,Terminated" default:""`
}

func (c *StatusCmd) Run(g *Globals) error {
	if g.Config.Store.Driver != "sqlite" {
		return errors.New("status needs the sqlite store", errors.CategoryBadInput)
	}
	db, err := openDB(g.Config.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	results := &store.SQLResultStore{DB: db}

	if c.ID != "" {
		res, err := results.GetResult(ctx, c.ID)
		if err != nil {
			return err
		}
		out := map[string]any{"result": res}
		if inst, err := (&orchestration.SQLInstanceStore{DB: db}).GetInstance(ctx, c.ID); err == nil {
			out["instance"] = map[string]any{
				"status":     inst.Status,
				"generation": inst.Generation,
				"failure":    inst.Failure,
			}
		}
		return printJSON(out)
	}

	statuses := []command.RuntimeStatus{command.RuntimeStatusPending, command.RuntimeStatusRunning}
	if c.Status != "" {
		statuses = []command.RuntimeStatus{command.RuntimeStatus(c.Status)}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROJECT\tUPDATED")
	for _, s := range statuses {
		list, err := results.ListResults(ctx, s)
		if err != nil {
			return err
		}
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.CommandID, r.Type, r.RuntimeStatus, r.ProjectID, r.Updated.Format("2006-01-02 15:04:05"))
		}
	}
	return w.Flush()
}

type MigrateCmd struct{}

// Run applies the migrations, which opening the store already does, and
// reports the schema version.
func (c *MigrateCmd) Run(g *Globals) error {
	if g.Config.Store.Driver != "sqlite" {
		return errors.New("migrate needs the sqlite store", errors.CategoryBadInput)
	}
	db, err := openDB(g.Config.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "read schema version")
	}
	fmt.Printf("schema at version %d\n", version)
	return nil
}

type TypesCmd struct{}

func (c *TypesCmd) Run(*Globals) error {
	for _, t := range command.Types() {
		fmt.Println(t)
	}
	return nil
}
