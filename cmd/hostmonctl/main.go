package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/internal/config"
	"github.com/invisible-tech/hostmon/internal/types"
	"github.com/invisible-tech/hostmon/internal/version"
)

const usage = `Usage:
  hostmonctl status [service]     full status report
  hostmonctl summary              one line per service
  hostmonctl report [json|xml]    machine readable status report
  hostmonctl start|stop|restart|monitor|unmonitor <service>
  hostmonctl version

Environment:
  HOSTMON_URL         daemon address (default http://127.0.0.1:2812)
  HOSTMON_HTTP_TOKEN  bearer token for control requests
`

// client talks to the daemon HTTP interface
type client struct {
	base   string
	token  string
	http   *http.Client
	stdout io.Writer
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	c := &client{
		base:   strings.TrimSuffix(config.GetEnv("HOSTMON_URL", "http://127.0.0.1:2812"), "/"),
		token:  config.GetEnv("HOSTMON_HTTP_TOKEN", ""),
		http:   &http.Client{Timeout: config.GetEnvDuration("HOSTMON_TIMEOUT", 30*time.Second)},
		stdout: os.Stdout,
	}
	if err := c.run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.WithError(err).Fatal("Request failed")
	}
}

var errUsage = errors.New("usage")

func (c *client) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch cmd := args[0]; cmd {
	case "version":
		fmt.Fprintln(c.stdout, version.UserAgent())
		return nil
	case "status":
		q := url.Values{"format": {"text"}}
		if len(args) > 1 {
			q.Set("service", args[1])
		}
		return c.get(ctx, "/_status?"+q.Encode())
	case "summary":
		return c.get(ctx, "/_status?format=text&level=summary")
	case "report":
		format := "json"
		if len(args) > 1 {
			format = args[1]
		}
		return c.get(ctx, "/_status?format="+url.QueryEscape(format))
	case "start", "stop", "restart", "monitor", "unmonitor":
		if len(args) != 2 {
			return errUsage
		}
		return c.control(ctx, args[1], cmd)
	default:
		return errUsage
	}
}

func (c *client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func (c *client) get(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	_, err = io.Copy(c.stdout, resp.Body)
	return err
}

func (c *client) control(ctx context.Context, name, action string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/services/"+url.PathEscape(name)+"/"+action)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}
	var ar types.ActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	fmt.Fprintf(c.stdout, "%s '%s' %s\n", ar.Action, ar.Service, ar.Status)
	return nil
}

func apiError(resp *http.Response) error {
	var e types.ErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}
