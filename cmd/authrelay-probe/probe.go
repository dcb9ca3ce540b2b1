package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/isometry/authrelay/internal/authresult"
	"github.com/isometry/authrelay/internal/config"
	"github.com/isometry/authrelay/internal/credential"
	"github.com/isometry/authrelay/internal/ldap"
	"github.com/isometry/authrelay/internal/logging"
	"github.com/isometry/authrelay/internal/metrics"
	"github.com/isometry/authrelay/internal/radius"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

var errRejected = errors.New("authentication rejected")

// probe holds the parsed command line.
type probe struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath  string
	debug       bool
	dumpMetrics bool

	ldapSection  string
	ldapUser     string
	ldapPassword string

	radiusSection  string
	radiusUser     string
	radiusPassword string
	callingStation string
	attrs          []string

	nthashPassword string
}

func newApp(p *probe) *kingpin.Application {
	app := kingpin.New("authrelay-probe", "Check authrelay configuration and exercise its LDAP and RADIUS clients.")
	app.Version(version)
	app.HelpFlag.Short('h')
	app.UsageWriter(p.stdout)
	app.ErrorWriter(p.stderr)

	app.Flag("config", "Configuration file (YAML, TOML or JSON).").Short('c').
		Envar("AUTHRELAY_CONFIG").Default("authrelay.yaml").StringVar(&p.configPath)
	app.Flag("debug", "Log at debug level. AUTHRELAY_LOG overrides.").Short('D').BoolVar(&p.debug)
	app.Flag("metrics", "Write client metrics to stderr on exit.").BoolVar(&p.dumpMetrics)

	ldapCheck := app.Command("ldap-check", "Bind as the service account and report the bound identity. With --user, also authenticate that user.")
	ldapCheck.Flag("section", "The ad_client section to use.").Default(config.KindADClient).StringVar(&p.ldapSection)
	ldapCheck.Flag("user", "User to authenticate after the service account check.").Short('u').StringVar(&p.ldapUser)
	ldapCheck.Flag("password", "Password of --user.").Short('p').Envar("AUTHRELAY_PASSWORD").StringVar(&p.ldapPassword)

	radiusAuth := app.Command("radius-auth", "Send an Access-Request and print the result.")
	radiusAuth.Flag("section", "The radius_client section to use.").Default(config.KindRadiusClient).StringVar(&p.radiusSection)
	radiusAuth.Arg("username", "User-Name to send.").Required().StringVar(&p.radiusUser)
	radiusAuth.Flag("password", "User-Password to send.").Short('p').Envar("AUTHRELAY_PASSWORD").StringVar(&p.radiusPassword)
	radiusAuth.Flag("calling-station", "Calling-Station-Id to send.").StringVar(&p.callingStation)
	radiusAuth.Flag("attr", "Extra request attribute as NAME=VALUE. Repeatable.").StringsVar(&p.attrs)

	nthash := app.Command("nthash", "Print the NT hash of a password, read from stdin when not given.")
	nthash.Arg("password", "Password to hash.").StringVar(&p.nthashPassword)

	app.Command("config-check", "Check every ad_client and radius_client section of the configuration file.")

	return app
}

// run parses args, runs the selected command and returns the exit status.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	p := &probe{stdin: stdin, stdout: stdout, stderr: stderr}
	app := newApp(p)

	exited := -1
	app.Terminate(func(code int) { exited = code })

	command, err := app.Parse(args)
	if exited >= 0 {
		return exited
	}
	if err != nil {
		app.Errorf("%v, try --help", err)
		return exitUsage
	}

	level := hclog.Warn
	if p.debug {
		level = hclog.Debug
	}
	ctx = logging.NewRoot(ctx, level)
	log := logging.NewTFLogger(ctx, logging.SubsystemProbe)

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	log.Debug("Running command", map[string]any{
		"command": command,
		"config":  p.configPath,
	})

	switch command {
	case "ldap-check":
		err = p.ldapCheck(ctx, rec)
	case "radius-auth":
		err = p.radiusAuth(ctx, rec)
	case "nthash":
		err = p.nthash()
	case "config-check":
		err = p.configCheck(ctx)
	}

	if p.dumpMetrics {
		if merr := writeMetrics(stderr, reg); merr != nil {
			log.Warn("Failed to write metrics", map[string]any{"error": merr.Error()})
		}
	}

	if err != nil {
		log.Debug("Command failed", map[string]any{
			"command": command,
			"error":   err.Error(),
		})
		fmt.Fprintf(stderr, "authrelay-probe: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func (p *probe) ldapCheck(ctx context.Context, rec *metrics.Recorder) error {
	file, err := config.Load(ctx, p.configPath)
	if err != nil {
		return err
	}
	cfg, err := file.AD(p.ldapSection)
	if err != nil {
		return err
	}

	client, err := ldap.NewClient(ctx, cfg.ConnectionConfig(), ldap.ClientOptions{Metrics: rec})
	if err != nil {
		return err
	}

	check, err := client.Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.stdout, "server:   %s\nsecure:   %t\nidentity: %s\n", check.Server, check.Secure, check.Identity)

	if p.ldapUser == "" {
		return nil
	}

	result, err := client.Authenticate(ctx, p.ldapUser, p.ldapPassword)
	if err != nil {
		return err
	}
	printResult(p.stdout, result)
	if !result.Accepted() {
		return errRejected
	}
	return nil
}

func (p *probe) radiusAuth(ctx context.Context, rec *metrics.Recorder) error {
	passThrough, err := parseAttributes(p.attrs)
	if err != nil {
		return err
	}

	file, err := config.Load(ctx, p.configPath)
	if err != nil {
		return err
	}
	cfg, err := file.Radius(p.radiusSection)
	if err != nil {
		return err
	}

	client, err := radius.NewClient(ctx, cfg.ClientConfig(), radius.Options{Metrics: rec})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	result, err := client.Authenticate(ctx, p.radiusUser, p.radiusPassword, p.callingStation, passThrough)
	if err != nil {
		return err
	}
	printResult(p.stdout, result)
	if !result.Accepted() {
		return errRejected
	}
	return nil
}

func (p *probe) nthash() error {
	password := p.nthashPassword
	if password == "" {
		line, err := bufio.NewReader(p.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	sum, err := credential.NTHashHex(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(p.stdout, sum)
	return nil
}

func (p *probe) configCheck(ctx context.Context) error {
	file, err := config.Load(ctx, p.configPath)
	if err != nil {
		return err
	}

	checked := len(file.SectionsOfKind(config.KindADClient)) + len(file.SectionsOfKind(config.KindRadiusClient))
	if checked == 0 {
		return fmt.Errorf("%s has no %s or %s sections", file.Path, config.KindADClient, config.KindRadiusClient)
	}

	if err := file.Check(ctx); err != nil {
		problems := config.Problems(err)
		for _, problem := range problems {
			fmt.Fprintln(p.stdout, problem)
		}
		return fmt.Errorf("%s: %d problems", file.Path, len(problems))
	}

	fmt.Fprintf(p.stdout, "%s: %d sections OK\n", file.Path, checked)
	return nil
}

// parseAttributes turns NAME=VALUE pairs into request attributes.
func parseAttributes(pairs []string) ([]authresult.Attribute, error) {
	var attrs []authresult.Attribute
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute %q, want NAME=VALUE", pair)
		}
		attrs = append(attrs, authresult.Attribute{Name: name, Value: []byte(value)})
	}
	return attrs, nil
}

func printResult(w io.Writer, r *authresult.AuthResult) {
	verdict := "reject"
	if r.Accepted() {
		verdict = "accept"
	}
	fmt.Fprintf(w, "result:   %s (code %d)\n", verdict, r.RawCode())
	if msg := r.Message(); msg != "" {
		fmt.Fprintf(w, "message:  %s\n", msg)
	}
	for _, name := range r.Names() {
		for _, value := range r.Strings(name) {
			fmt.Fprintf(w, "  %s: %q\n", name, value)
		}
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
