// ytfs mounts a Cypress tree as a read-only filesystem.
//
// Sub-commands:
//
//	ytfs mount [flags] <mountpoint>   Mount filesystem (default)
//	ytfs stat [flags] <path>          Print the attributes of a node
//	ytfs ls [flags] <path>            List a directory
//	ytfs cat [flags] <path>           Print a file or table
//	ytfs login                        Save an OAuth token
//	ytfs logout                       Delete the saved token
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/adapter"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/config"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/fuse"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/handles"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/httpstore"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/memstore"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/s3store"
)

func main() {
	args := os.Args[1:]
	cmd := "mount"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "mount":
		err = cmdMount(args)
	case "stat":
		err = cmdStat(args)
	case "ls":
		err = cmdLs(args)
	case "cat":
		err = cmdCat(args)
	case "login":
		err = cmdLogin(args)
	case "logout":
		err = cmdLogout(args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the flags shared by every command
// that talks to a store.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	fs.String("store", "", "Store backend: http, s3 or memory")
	fs.String("proxy", "", "HTTP proxy host[:port] or URL")
	fs.String("token", "", "OAuth token (default: $YT_TOKEN or the token saved by 'ytfs login')")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("log-format", "", "Log format: console or json")
	return fs, configPath
}

// setup loads configuration, initializes logging and builds the adapter.
func setup(ctx context.Context, fs *pflag.FlagSet, configPath string) (*config.Config, *adapter.FS, error) {
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Init(cfg.LoggingOptions()); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}

	s, err := newStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, adapter.New(s, cfg.AdapterOptions()), nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "http":
		opts := cfg.HTTPOptions()
		if opts.Token == "" {
			opts.Token = os.Getenv("YT_TOKEN")
		}
		if opts.Token == "" {
			token, err := httpstore.LoadToken()
			switch {
			case err == nil:
				opts.Token = token
				logging.Debug("using saved token", logging.String("path", httpstore.TokenPath()))
			case errors.Is(err, httpstore.ErrNoToken):
				logging.Warn("no OAuth token, sending unauthenticated requests",
					logging.String("hint", "run 'ytfs login' or set YT_TOKEN"))
			default:
				return nil, err
			}
		}
		logging.Info("using http store",
			logging.String("proxy", opts.Proxy),
			logging.Duration("timeout", opts.Timeout))
		return httpstore.New(opts), nil
	case "s3":
		logging.Info("using s3 store",
			logging.String("bucket", cfg.Store.S3.Bucket),
			logging.String("prefix", cfg.Store.S3.Prefix))
		return s3store.New(ctx, cfg.Store.S3)
	case "memory":
		logging.Info("using in-memory demo store")
		return demoStore()
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// demoStore returns a small tree for trying the mount without a cluster.
func demoStore() (store.Store, error) {
	s := memstore.New()
	s.AddFile("//home/readme.txt", []byte("ytfs demo tree\n"))
	s.AddDir("//tmp")
	rows := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, map[string]any{"id": i, "square": i * i})
	}
	if err := s.AddTable("//home/squares", rows); err != nil {
		return nil, err
	}
	if err := s.SetAttribute("//home/squares", "owner", "demo"); err != nil {
		return nil, err
	}
	return s, nil
}

func cmdMount(args []string) error {
	fs, configPath := newFlagSet("mount")
	fs.String("metrics-addr", "", "Listen address for /metrics (empty disables)")
	fs.Bool("allow-other", false, "Allow other users to access the mount")
	fs.Bool("debug", false, "Log every FUSE request")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytfs mount [flags] <mountpoint>\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("mountpoint is required")
	}
	mountPoint := fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, fsys, err := setup(ctx, fs, *configPath)
	if err != nil {
		return err
	}
	defer logging.Sync()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics listening", logging.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", logging.Err(err))
			}
		}()
		defer srv.Close()
	}

	server, err := fuse.Mount(mountPoint, fsys, cfg.MountOptions())
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("unmounting", logging.String("mountpoint", mountPoint))
		if err := server.Unmount(); err != nil {
			logging.Error("unmount failed", logging.Err(err))
		}
	}()

	server.Wait()

	stats := fsys.CacheStats()
	logging.Info("done",
		logging.Int64("cache_hits", stats.Hits),
		logging.Int64("cache_misses", stats.Misses))
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

func cmdStat(args []string) error {
	fs, configPath := newFlagSet("stat")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: ytfs stat [flags] <path>")
	}
	path := fs.Arg(0)

	ctx := context.Background()
	_, fsys, err := setup(ctx, fs, *configPath)
	if err != nil {
		return err
	}
	defer logging.Sync()

	st, errno := fsys.Getattr(ctx, path)
	if errno != 0 {
		return fmt.Errorf("%s: %w", path, errno)
	}

	fmt.Printf("Path:   %s\n", path)
	fmt.Printf("Mode:   %s\n", modeString(st.Mode))
	fmt.Printf("Size:   %d\n", st.Size)
	fmt.Printf("Links:  %d\n", st.Nlink)
	fmt.Printf("Access: %s\n", st.Atime.Format(time.RFC3339))
	fmt.Printf("Modify: %s\n", st.Mtime.Format(time.RFC3339))
	fmt.Printf("Change: %s\n", st.Ctime.Format(time.RFC3339))

	names, errno := fsys.Listxattr(ctx, path)
	if errno != 0 {
		return fmt.Errorf("%s: %w", path, errno)
	}
	sort.Strings(names)
	for _, name := range names {
		value, errno := fsys.Getxattr(ctx, path, name)
		if errno != 0 {
			continue
		}
		fmt.Printf("  %s = %s\n", name, value)
	}
	return nil
}

func cmdLs(args []string) error {
	fs, configPath := newFlagSet("ls")
	fs.Parse(args)
	path := "/"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	ctx := context.Background()
	_, fsys, err := setup(ctx, fs, *configPath)
	if err != nil {
		return err
	}
	defer logging.Sync()

	entries, errno := fsys.Readdir(ctx, path)
	if errno != 0 {
		return fmt.Errorf("%s: %w", path, errno)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		fmt.Printf("%s  %s\n", modeString(e.Mode), e.Name)
	}
	return nil
}

func cmdCat(args []string) error {
	fs, configPath := newFlagSet("cat")
	chunk := fs.Int64("chunk", 128<<10, "Read size in bytes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: ytfs cat [flags] <path>")
	}
	path := fs.Arg(0)

	ctx := context.Background()
	_, fsys, err := setup(ctx, fs, *configPath)
	if err != nil {
		return err
	}
	defer logging.Sync()

	h, _, errno := fsys.Open(ctx, path, unix.O_RDONLY)
	if errno != 0 {
		return fmt.Errorf("%s: %w", path, errno)
	}
	defer fsys.Release(ctx, h)

	return copyHandle(ctx, os.Stdout, fsys, h, *chunk)
}

// copyHandle streams everything readable from h to w.
func copyHandle(ctx context.Context, w io.Writer, fsys *adapter.FS, h handles.Handle, chunk int64) error {
	var offset int64
	for {
		data, errno := fsys.Read(ctx, h, chunk, offset)
		if errno != 0 {
			return errno
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		offset += int64(len(data))
	}
}

func cmdLogin(args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ExitOnError)
	fs.Parse(args)

	fmt.Print("OAuth token: ")
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if strings.TrimSpace(string(token)) == "" {
		return errors.New("empty token")
	}

	if err := httpstore.SaveToken(string(token)); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Printf("Token saved to %s\n", httpstore.TokenPath())
	return nil
}

func cmdLogout(args []string) error {
	fs := pflag.NewFlagSet("logout", pflag.ExitOnError)
	fs.Parse(args)

	if err := httpstore.DeleteToken(); err != nil {
		if errors.Is(err, httpstore.ErrNoToken) {
			fmt.Println("No saved token found.")
			return nil
		}
		return fmt.Errorf("delete token: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

func modeString(mode uint32) string {
	perm := os.FileMode(mode & 0o777)
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		perm |= os.ModeDir
	case 0:
		return "?" + perm.String()[1:]
	}
	return perm.String()
}
