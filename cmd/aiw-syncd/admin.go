package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mhartmann/aiw/internal/api"
	"github.com/mhartmann/aiw/internal/serverdb"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create-workspace":
		runAdminCreateWorkspace(args[1:])
	case "list-workspaces":
		runAdminListWorkspaces(args[1:])
	case "delete-workspace":
		runAdminDeleteWorkspace(args[1:])
	case "create-key":
		runAdminCreateKey(args[1:])
	case "revoke-key":
		runAdminRevokeKey(args[1:])
	case "list-keys":
		runAdminListKeys(args[1:])
	case "audit":
		runAdminAudit(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: aiw-syncd admin <command> [flags]

Commands:
  create-workspace  Create a workspace
  list-workspaces   List workspaces
  delete-workspace  Soft-delete a workspace
  create-key        Create an API key for a workspace
  revoke-key        Revoke an API key
  list-keys         List a workspace's API keys
  audit             Show a workspace's recent sync activity`)
}

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		cfg := api.LoadConfig()
		dbPath = cfg.ServerDBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runAdminCreateWorkspace(args []string) {
	fs := flag.NewFlagSet("admin create-workspace", flag.ExitOnError)
	name := fs.String("name", "", "workspace name")
	description := fs.String("description", "", "workspace description")
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	ws, err := store.CreateWorkspace(*name, *description)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("created workspace %s (%s)\n", ws.ID, ws.Name)
}

func runAdminListWorkspaces(args []string) {
	fs := flag.NewFlagSet("admin list-workspaces", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	workspaces, err := store.ListWorkspaces()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(workspaces) == 0 {
		fmt.Println("no workspaces")
		return
	}
	for _, ws := range workspaces {
		fmt.Printf("%s  %-20s  created %s\n", ws.ID, ws.Name, ws.CreatedAt.Format("2006-01-02"))
	}
}

func runAdminDeleteWorkspace(args []string) {
	fs := flag.NewFlagSet("admin delete-workspace", flag.ExitOnError)
	id := fs.String("id", "", "workspace ID")
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	if err := store.DeleteWorkspace(*id); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("deleted workspace %s\n", *id)
}

func runAdminCreateKey(args []string) {
	fs := flag.NewFlagSet("admin create-key", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace ID the key grants")
	name := fs.String("name", "cli", "key name")
	expires := fs.String("expires", "", "expiry duration (e.g. 720h); empty = never")
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	if *workspace == "" {
		fmt.Fprintln(os.Stderr, "error: --workspace is required")
		fs.Usage()
		os.Exit(1)
	}

	var expiresAt *time.Time
	if *expires != "" {
		d, err := time.ParseDuration(*expires)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid --expires: %v\n", err)
			os.Exit(1)
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	store := openDB(*dbPath)
	defer store.Close()

	if ws, err := store.GetWorkspace(*workspace); err != nil || ws == nil {
		fmt.Fprintf(os.Stderr, "error: workspace not found: %s\n", *workspace)
		os.Exit(1)
	}

	plaintext, key, err := store.GenerateAPIKey(*workspace, *name, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("created key %s for %s\n", key.ID, *workspace)
	fmt.Printf("\n  %s\n\n", plaintext)
	fmt.Println("The key is shown once; store it now.")
}

func runAdminRevokeKey(args []string) {
	fs := flag.NewFlagSet("admin revoke-key", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace ID")
	keyID := fs.String("key", "", "key ID to revoke")
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	if *workspace == "" || *keyID == "" {
		fmt.Fprintln(os.Stderr, "error: --workspace and --key are required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	if err := store.RevokeAPIKey(*keyID, *workspace); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("revoked key %s\n", *keyID)
}

func runAdminListKeys(args []string) {
	fs := flag.NewFlagSet("admin list-keys", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace ID")
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	if *workspace == "" {
		fmt.Fprintln(os.Stderr, "error: --workspace is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	keys, err := store.ListAPIKeys(*workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(keys) == 0 {
		fmt.Println("no keys")
		return
	}
	for _, k := range keys {
		line := fmt.Sprintf("%s  %s...  %-12s", k.ID, k.KeyPrefix, k.Name)
		if k.ExpiresAt != nil {
			line += "  expires " + k.ExpiresAt.Format("2006-01-02")
		}
		if k.LastUsedAt != nil {
			line += "  last used " + k.LastUsedAt.Format("2006-01-02")
		}
		fmt.Println(line)
	}
}

func runAdminAudit(args []string) {
	fs := flag.NewFlagSet("admin audit", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace ID")
	limit := fs.Int("limit", 50, "max entries")
	dbPath := fs.String("db", "", "path to the server database (default: from AIW_SYNC_DB_PATH)")
	fs.Parse(args)

	if *workspace == "" {
		fmt.Fprintln(os.Stderr, "error: --workspace is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	entries, err := store.ListAudit(*workspace, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		fmt.Println("no audit entries")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-10s %-36s accepted=%d conflicted=%d duplicate=%d  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Action, e.ClientID, e.Accepted, e.Conflicted, e.Duplicate, e.RemoteAddr)
	}
}
