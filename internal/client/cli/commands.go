package cli

import (
	"context"
	"fmt"
)

// Run выполняет команду. args - аргументы после имени команды.
func (c *Cli) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "init":
		return c.runInit(ctx, args)
	case "status":
		return c.runStatus(ctx)
	case "reset":
		return c.runReset(ctx)
	case "put":
		return c.runPut(ctx, args)
	case "get":
		return c.runGet(ctx, args)
	case "exists":
		return c.runExists(ctx, args)
	case "modified":
		return c.runModified(ctx, args)
	case "delete":
		return c.runDelete(ctx, args)
	case "find":
		return c.runFind(ctx, args)
	default:
		c.PrintUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// needArgs проверяет число аргументов команды
func needArgs(args []string, minimum, maximum int, usage string) error {
	if len(args) < minimum || len(args) > maximum {
		return fmt.Errorf("wrong arguments. Usage: storagerelay-client %s", usage)
	}
	return nil
}
