// Command iptv-client: Xtream Codes catalog, series and playback client with a JSON API.
//
//	index  Authenticate, fetch the catalog and cache it locally
//	list   Print the cached catalog (filter by group, category or name)
//	series Print the seasons and episodes of a series
//	play   Resolve and play an item headlessly; -open hands the stream to an external player
//	clear  Forget cached catalog and credentials
//	check  Check that the provider accepts the account
//	relay  Run the cross-origin relay only
//	serve  Run the JSON API, the relay and /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"

	"github.com/snapetech/iptvclient/internal/api"
	"github.com/snapetech/iptvclient/internal/app"
	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/config"
	"github.com/snapetech/iptvclient/internal/health"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/playback"
	"github.com/snapetech/iptvclient/internal/relay"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <index|list|series|play|clear|check|relay|serve> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  index   Authenticate, fetch the catalog and cache it\n")
	fmt.Fprintf(os.Stderr, "  list    Print the cached catalog\n")
	fmt.Fprintf(os.Stderr, "  series  Print seasons and episodes of a series (-id)\n")
	fmt.Fprintf(os.Stderr, "  play    Play an item (-item); -open launches IPTV_CLIENT_EXTERNAL_PLAYER\n")
	fmt.Fprintf(os.Stderr, "  clear   Forget cached catalog and credentials\n")
	fmt.Fprintf(os.Stderr, "  check   Check the provider accepts the account\n")
	fmt.Fprintf(os.Stderr, "  relay   Run the cross-origin relay only\n")
	fmt.Fprintf(os.Stderr, "  serve   Run the JSON API, relay and metrics\n")
}

// accountFlags are the provider overrides shared by several subcommands.
type accountFlags struct {
	host, user, pass *string
	proxy            *bool
}

func addAccountFlags(fs *flag.FlagSet) accountFlags {
	return accountFlags{
		host:  fs.String("host", "", "Provider URL (default: IPTV_CLIENT_PROVIDER_URL)"),
		user:  fs.String("user", "", "Username (default: IPTV_CLIENT_PROVIDER_USER)"),
		pass:  fs.String("pass", "", "Password (default: IPTV_CLIENT_PROVIDER_PASS)"),
		proxy: fs.Bool("proxy", false, "Route API and media requests through the relay"),
	}
}

func (f accountFlags) apply(cfg *config.Config) {
	if *f.host != "" {
		cfg.ProviderURL = *f.host
	}
	if *f.user != "" {
		cfg.ProviderUser = *f.user
	}
	if *f.pass != "" {
		cfg.ProviderPass = *f.pass
	}
	if *f.proxy {
		cfg.UseProxy = true
	}
}

func main() {
	_ = config.LoadEnvFile(".env")

	indexCmd := flag.NewFlagSet("index", flag.ExitOnError)
	indexAcct := addAccountFlags(indexCmd)

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listGroup := listCmd.String("group", "", "Live, Movie or Series")
	listCategory := listCmd.String("category", "", "Category id")
	listSearch := listCmd.String("search", "", "Case-insensitive name filter")

	seriesCmd := flag.NewFlagSet("series", flag.ExitOnError)
	seriesID := seriesCmd.String("id", "", "Series id or series item id (series_<id>)")

	playCmd := flag.NewFlagSet("play", flag.ExitOnError)
	playItem := playCmd.String("item", "", "Catalog item id, e.g. live_42, vod_100, series_7")
	playEpisode := playCmd.String("episode", "", "Episode id (series items only; default: first episode)")
	playOpen := playCmd.Bool("open", false, "Open the resolved stream in the external player")
	playTimeout := playCmd.Duration("timeout", 30*time.Second, "Give up when playback has not started by then")
	playRetries := playCmd.Int("retries", -1, "Automatic reload budget (default: IPTV_CLIENT_MAX_RETRIES)")
	playProxy := playCmd.Bool("proxy", false, "Route media through the relay")

	clearCmd := flag.NewFlagSet("clear", flag.ExitOnError)

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkAcct := addAccountFlags(checkCmd)
	checkTimeout := checkCmd.Duration("timeout", 20*time.Second, "Timeout")

	relayCmd := flag.NewFlagSet("relay", flag.ExitOnError)
	relayAddr := relayCmd.String("addr", "", "Listen address (default: IPTV_CLIENT_LISTEN)")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: IPTV_CLIENT_LISTEN)")
	serveRefresh := serveCmd.Duration("refresh", 0, "Refresh catalog interval (e.g. 6h). 0 = only when nothing is cached")
	serveSkipIndex := serveCmd.Bool("skip-index", false, "Never fetch at startup, even with an empty cache")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "index":
		_ = indexCmd.Parse(os.Args[2:])
		indexAcct.apply(cfg)
		err = runIndex(ctx, cfg, logger)

	case "list":
		_ = listCmd.Parse(os.Args[2:])
		err = runList(ctx, cfg, logger, *listGroup, *listCategory, *listSearch)

	case "series":
		_ = seriesCmd.Parse(os.Args[2:])
		if *seriesID == "" {
			logger.Error("set -id")
			os.Exit(2)
		}
		err = runSeries(ctx, cfg, logger, strings.TrimPrefix(*seriesID, "series_"))

	case "play":
		_ = playCmd.Parse(os.Args[2:])
		if *playItem == "" {
			logger.Error("set -item")
			os.Exit(2)
		}
		if *playRetries >= 0 {
			cfg.MaxRetries = *playRetries
		}
		if *playProxy {
			cfg.UseProxy = true
		}
		err = runPlay(ctx, cfg, logger, *playItem, *playEpisode, *playOpen, *playTimeout)

	case "clear":
		_ = clearCmd.Parse(os.Args[2:])
		err = runClear(ctx, cfg, logger)

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		checkAcct.apply(cfg)
		err = runCheck(ctx, cfg, logger, *checkTimeout)

	case "relay":
		_ = relayCmd.Parse(os.Args[2:])
		if *relayAddr != "" {
			cfg.ListenAddr = *relayAddr
		}
		err = runRelay(ctx, cfg, logger)

	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		if *serveAddr != "" {
			cfg.ListenAddr = *serveAddr
		}
		err = runServe(ctx, cfg, logger, *serveRefresh, *serveSkipIndex)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		report(logger, err)
		os.Exit(1)
	}
}

// report logs err with the user-facing message and hint for classified errors.
func report(logger *log.Logger, err error) {
	if catalog.KindOf(err) == nil {
		logger.Error(err.Error())
		return
	}
	msg, hint := catalog.UserMessage(err)
	logger.Error(msg, "kind", catalog.KindName(err), "err", err)
	if hint != "" {
		logger.Info(hint)
	}
}

func openApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app.App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := app.New(cfg, logger, app.Deps{})
	if err != nil {
		return nil, err
	}
	a.Restore(ctx)
	return a, nil
}

func runIndex(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	creds, err := a.Credentials()
	if err != nil {
		return err
	}
	acct, err := a.Login(ctx, creds)
	if err != nil && catalog.KindOf(err) != catalog.ErrStorage {
		return err
	}
	logger.Info("account", "user", acct.Username, "status", acct.Status, "expires", acct.ExpiresAt, "max_connections", acct.MaxConnections)
	snap, err := a.Refresh(ctx)
	if err != nil && catalog.KindOf(err) != catalog.ErrStorage {
		return err
	}
	counts := snap.Counts()
	logger.Info("catalog saved",
		"store", cfg.Store,
		"path", cfg.StorePath(),
		"live", counts[catalog.GroupLive],
		"movies", counts[catalog.GroupMovie],
		"series", counts[catalog.GroupSeries],
		"categories", len(snap.Categories))
	return err
}

func runList(ctx context.Context, cfg *config.Config, logger *log.Logger, group, category, search string) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	snap := a.State.Snapshot()
	if snap.Empty() {
		return errors.New("no catalog cached; run index first")
	}
	items := snap.Items
	if group != "" {
		g, ok := catalog.ParseGroup(group)
		if !ok {
			return fmt.Errorf("unknown group %q (Live, Movie or Series)", group)
		}
		items = snap.ByGroup(g)
	}
	search = strings.ToLower(search)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGROUP\tCATEGORY\tNAME")
	n := 0
	for _, it := range items {
		if category != "" && it.CategoryID != category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(it.Name), search) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ID, it.Group, it.CategoryName, it.Name)
		n++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	logger.Debug("listed", "items", n, "fetched", snap.FetchedAt)
	return nil
}

func runSeries(ctx context.Context, cfg *config.Config, logger *log.Logger, id string) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	info, err := a.SeriesInfo(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s", info.Name)
	if info.ReleaseDate != "" {
		fmt.Printf(" (%s)", info.ReleaseDate)
	}
	fmt.Println()
	if info.Plot != "" {
		fmt.Println(info.Plot)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range info.Seasons {
		fmt.Fprintf(tw, "Season %s\t%d episodes\t\n", s.Label, len(s.Episodes))
		for _, ep := range s.Episodes {
			fmt.Fprintf(tw, "  E%d\t%s\t%s\n", ep.EpisodeNum, ep.Title, ep.ID)
		}
	}
	return tw.Flush()
}

func runPlay(ctx context.Context, cfg *config.Config, logger *log.Logger, itemID, episodeID string, open bool, timeout time.Duration) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if cfg.UseProxy {
		if creds, ok := a.State.Credentials(); ok {
			creds.UseProxy = true
			a.State.SetCredentials(creds)
		}
	}

	var sess *playback.Session
	if episodeID != "" {
		sess, err = a.PlayEpisode(ctx, itemID, episodeID)
	} else {
		sess, err = a.Play(itemID)
	}
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := sess.WaitFor(waitCtx, playback.Playing, playback.Paused)
	if err != nil {
		sess.Close()
		return fmt.Errorf("playback did not start within %v (state %s)", timeout, st.State)
	}
	logger.Info("session",
		"item", st.ItemID,
		"state", st.State,
		"adaptive", st.Adaptive,
		"proxied", st.Proxied,
		"container", st.Container,
		"retries", st.Retries)

	ext, hasExt := sess.ExternalURL()
	if st.State == playback.Errored {
		if hasExt && !open {
			logger.Info("the stream may still play outside this client; rerun with -open")
		}
		if !open || !hasExt {
			return st.Err
		}
		report(logger, st.Err)
	}
	if !open {
		return nil
	}
	if !hasExt {
		return errors.New("stream was not resolved")
	}
	return openExternal(ctx, cfg.ExternalPlayer, ext, logger)
}

// openExternal runs the configured player with url and waits for it to exit.
func openExternal(ctx context.Context, player, url string, logger *log.Logger) error {
	fields := strings.Fields(player)
	if len(fields) == 0 {
		return errors.New("IPTV_CLIENT_EXTERNAL_PLAYER is empty")
	}
	args := append(fields[1:], url)
	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	logger.Info("opening external player", "player", fields[0], "url", logging.RedactURL(url))
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("external player: %w", err)
	}
	return nil
}

func runClear(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Logout(ctx); err != nil {
		return err
	}
	logger.Info("cache cleared", "path", cfg.StorePath())
	return nil
}

func runCheck(ctx context.Context, cfg *config.Config, logger *log.Logger, timeout time.Duration) error {
	creds, ok := cfg.Credentials()
	if !ok {
		return catalog.Errorf(catalog.ErrAuth, "check", "set IPTV_CLIENT_PROVIDER_URL, _USER and _PASS or pass -host -user -pass")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	r := health.CheckPlayerAPI(ctx, nil, creds)
	logger.Info("player_api",
		"base", r.Base,
		"status", r.Status,
		"http", r.StatusCode,
		"latency", r.Latency.Round(time.Millisecond),
		"account", r.AccountStatus,
		"expires", r.ExpiresAt)
	return health.Check(ctx, nil, creds)
}

func newRelay(cfg *config.Config, logger *log.Logger) *relay.Handler {
	return relay.New(relay.Options{
		Rate:            cfg.RelayRate,
		Burst:           cfg.RelayBurst,
		HostConcurrency: cfg.RelayHostConcurrency,
		AllowPrivate:    cfg.RelayAllowPrivate,
		Logger:          logger,
	})
}

func runRelay(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	h := newRelay(cfg, logger)
	mux := http.NewServeMux()
	mux.Handle("/relay", h)
	mux.Handle("/", h)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.ListenAddr)
		serverErr <- srv.ListenAndServe()
	}()
	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-serverErr
		return nil
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger, refresh time.Duration, skipIndex bool) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Credentials(); err == nil && !skipIndex && a.State.Snapshot().Empty() {
		logger.Info("no cached catalog, fetching")
		if _, err := a.Refresh(ctx); err != nil {
			// the API still starts; the UI can fix credentials and refresh
			report(logger, err)
		}
	}
	if refresh > 0 {
		go func() {
			t := time.NewTicker(refresh)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if _, err := a.Refresh(ctx); err != nil {
						report(logger, err)
					}
				}
			}
		}()
	}
	return api.NewServer(a, cfg.ListenAddr, newRelay(cfg, logger), logger).Run(ctx)
}
