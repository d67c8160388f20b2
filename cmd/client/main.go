package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/luc/griddfs/tdfs"
)

const usage = `usage: client [flags] <command> [args]

commands:
  ls [-dir id]
  put [-dir id] [-block-size n] <path>
  get [-o path] [-best-effort] <file id>
  rm <file id>
  mkdir <parent id> <name>
  rmdir <directory id>
  dirs
  nodes
  alerts
`

func main() {
	configPath := flag.String("config", "", "path of a JSON config file")
	namenode := flag.String("namenode", "", "namenode URL, overrides the config")
	user := flag.String("user", "", "user name, overrides the config")
	password := flag.String("password", "", "password, overrides the config")
	parallel := flag.Int("parallel", 0, "blocks transferred concurrently")
	verbose := flag.Bool("v", false, "log block transfers")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := tdfs.LoadClientConfig(*configPath)
	if err != nil {
		fail(err)
	}
	if *namenode != "" {
		cfg.NameNodeURL = *namenode
	}
	if *user != "" {
		cfg.User = *user
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *parallel > 0 {
		cfg.Parallelism = *parallel
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log, err := tdfs.LogInit("", "client")
	if err != nil {
		fail(err)
	}
	client := tdfs.NewClient(cfg, log.Level(level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, client, flag.Arg(0), flag.Args()[1:]); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return id, nil
}

// localName turns a stored filename into a name in the working directory.
func localName(stored string) (string, error) {
	name := filepath.Base(stored)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("stored filename %q is not a usable local name, pass -o", stored)
	}
	return name, nil
}

func run(ctx context.Context, client *tdfs.Client, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "ls":
		dir := fs.Int64("dir", 0, "directory id, 0 for root")
		fs.Parse(args)
		listing, err := client.Ls(ctx, *dir)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, d := range listing.Directories {
			fmt.Fprintf(w, "[%d]\t%s/\t\n", d.ID, d.Name)
		}
		for _, f := range listing.Files {
			fmt.Fprintf(w, "[%d]\t%s\t%d bytes\n", f.ID, f.Filename, f.Size)
		}
		return w.Flush()

	case "put":
		dir := fs.Int64("dir", 0, "destination directory id, 0 for root")
		blockSize := fs.Int64("block-size", 0, "block size in bytes, config default if 0")
		fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("put needs a path")
		}
		id, err := client.PutFile(ctx, fs.Arg(0), *dir, *blockSize)
		if err != nil {
			return err
		}
		fmt.Printf("committed %s as file %d\n", fs.Arg(0), id)
		return nil

	case "get":
		out := fs.String("o", "", "output path, the stored filename if empty")
		bestEffort := fs.Bool("best-effort", false, "skip unreadable blocks instead of failing")
		fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("get needs a file id")
		}
		id, err := parseID(fs.Arg(0))
		if err != nil {
			return err
		}
		mode := tdfs.Strict
		if *bestEffort {
			mode = tdfs.BestEffort
		}
		path := *out
		if path == "" {
			meta, err := client.Meta(ctx, id)
			if err != nil {
				return err
			}
			if path, err = localName(meta.Filename); err != nil {
				return err
			}
		}
		res, err := client.GetFile(ctx, id, path, mode)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s (%s)\n", res.Bytes, path, res.Trust)
		for _, m := range res.Missing {
			fmt.Printf("missing %s on %s\n", m.BlockID, m.DataNode)
		}
		if res.Trust == tdfs.Untrusted {
			return fmt.Errorf("hash mismatch, %s is not the committed content", path)
		}
		return nil

	case "rm":
		fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("rm needs a file id")
		}
		id, err := parseID(fs.Arg(0))
		if err != nil {
			return err
		}
		if err := client.Remove(ctx, id); err != nil {
			return err
		}
		fmt.Println("removed", id)
		return nil

	case "mkdir":
		fs.Parse(args)
		if fs.NArg() != 2 {
			return fmt.Errorf("mkdir needs a parent id and a name")
		}
		parent, err := parseID(fs.Arg(0))
		if err != nil {
			return err
		}
		id, err := client.Mkdir(ctx, parent, fs.Arg(1))
		if err != nil {
			return err
		}
		fmt.Printf("created %s as directory %d\n", fs.Arg(1), id)
		return nil

	case "rmdir":
		fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("rmdir needs a directory id")
		}
		id, err := parseID(fs.Arg(0))
		if err != nil {
			return err
		}
		if err := client.Rmdir(ctx, id); err != nil {
			return err
		}
		fmt.Println("removed directory", id)
		return nil

	case "dirs":
		dirs, err := client.Directories(ctx)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			fmt.Printf("[%d] %s (%s)\n", d.ID, d.Name, d.Owner)
		}
		return nil

	case "nodes":
		nodes, err := client.DataNodes(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.NodeID, n.BaseURL, n.Status, n.LastSeen.Format("15:04:05"))
		}
		return w.Flush()

	case "alerts":
		alerts, err := client.Alerts(ctx)
		if err != nil {
			return err
		}
		for _, a := range alerts {
			fmt.Printf("%s %s %s: %s %v\n", a.Timestamp.Format("2006-01-02 15:04:05"), a.User, a.Filename, a.Reason, a.DownNodes)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
