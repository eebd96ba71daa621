package cli

import (
	"context"
	"time"
)

func (c *Cli) runPut(ctx context.Context, args []string) error {
	if err := needArgs(args, 3, 3, "put <storage> <id> <data>"); err != nil {
		return err
	}

	st, err := c.openStorage(ctx, args[0])
	if err != nil {
		return err
	}
	if err := st.Store(ctx, args[1], []byte(args[2]), c.now()); err != nil {
		return err
	}

	c.io.Printf("✓ Stored %s/%s\n", args[0], args[1])
	return nil
}

func (c *Cli) runGet(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, 2, "get <storage> <id>"); err != nil {
		return err
	}

	st, err := c.openStorage(ctx, args[0])
	if err != nil {
		return err
	}
	thing, err := st.Get(ctx, args[1])
	if err != nil {
		return err
	}

	c.io.Printf("ID:       %s\n", thing.ID)
	c.io.Printf("Modified: %s\n", thing.ModifiedOn.UTC().Format(time.RFC3339Nano))
	c.io.Printf("Data:     %s\n", thing.Data)
	return nil
}

func (c *Cli) runExists(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, 2, "exists <storage> <id>"); err != nil {
		return err
	}

	st, err := c.openStorage(ctx, args[0])
	if err != nil {
		return err
	}
	exists, err := st.Exists(ctx, args[1])
	if err != nil {
		return err
	}

	if exists {
		c.io.Println("yes")
	} else {
		c.io.Println("no")
	}
	return nil
}

func (c *Cli) runModified(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, 2, "modified <storage> <id>"); err != nil {
		return err
	}

	st, err := c.openStorage(ctx, args[0])
	if err != nil {
		return err
	}
	modifiedOn, err := st.ModifiedOn(ctx, args[1])
	if err != nil {
		return err
	}

	c.io.Println(modifiedOn.UTC().Format(time.RFC3339Nano))
	return nil
}

func (c *Cli) runDelete(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, 2, "delete <storage> <id>"); err != nil {
		return err
	}

	st, err := c.openStorage(ctx, args[0])
	if err != nil {
		return err
	}
	if err := st.Discard(ctx, args[1]); err != nil {
		return err
	}

	c.io.Printf("✓ Deleted %s/%s\n", args[0], args[1])
	return nil
}

func (c *Cli) runFind(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, 2, "find <storage> [pattern]"); err != nil {
		return err
	}

	pattern := ""
	if len(args) == 2 {
		pattern = args[1]
	}

	st, err := c.openStorage(ctx, args[0])
	if err != nil {
		return err
	}
	ids, err := st.Find(ctx, pattern)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		c.io.Println("No things found")
		return nil
	}
	for _, id := range ids {
		c.io.Println(id)
	}
	return nil
}
