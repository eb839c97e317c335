// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/screenrelay/pkg/relay"
	"github.com/n0ot/screenrelay/pkg/server"
)

const defaultStatsPort = "3000"

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a screenrelayd server",
	Long: `stats queries a screenrelayd server for running stats.

If the host is omitted, the local screenrelayd server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if disableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			disableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
			if !disableTLS {
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
		}

		if promptForPassword {
			fmt.Printf("Password: ")
			pass, err := gopass.GetPasswd()
			if err != nil {
				return err
			}
			statsPassword = string(pass)
		}
		if statsPassword == "" {
			statsPassword = viper.GetString("server.statsPassword")
		}
		if statsPassword == "" {
			return errors.New("A stats password is required")
		}

		client, err := statsClient()
		if err != nil {
			return err
		}
		stats, err := getStats(client, statsURL(host), statsPassword)
		if err != nil {
			return err
		}
		printStats(os.Stdout, host, stats)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", defaultStatsPort, "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")
}

func statsURL(host string) string {
	u := url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(host, statsPort),
		Path:   "/stats",
	}
	if disableTLS {
		u.Scheme = "http"
	}
	return u.String()
}

func statsClient() (*http.Client, error) {
	var certPool *x509.CertPool
	if statsServerCertificate != "" {
		cert, err := os.ReadFile(statsServerCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "Open server certificate")
		}
		certPool = x509.NewCertPool()
		certPool.AppendCertsFromPEM(cert)
	}

	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		},
	}, nil
}

// getStats fetches stats from the server at statsURL.
func getStats(client *http.Client, statsURL, password string) (relay.Stats, error) {
	var stats relay.Stats
	req, err := http.NewRequest(http.MethodGet, statsURL, nil)
	if err != nil {
		return stats, errors.Wrap(err, "Build stats request")
	}
	req.Header.Set(server.StatsPasswordHeader, password)

	resp, err := client.Do(req)
	if err != nil {
		return stats, errors.Wrap(err, "Connect to screenrelayd server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp relay.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return stats, errors.Errorf("Server returned %s", resp.Status)
		}
		return stats, errors.Errorf("Server returned an error: %s", errResp.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, errors.Wrap(err, "Get stats response from server")
	}
	return stats, nil
}

func printStats(w io.Writer, host string, stats relay.Stats) {
	// Don't display the default port in the output.
	friendlyAddr := host
	if statsPort != defaultStatsPort {
		friendlyAddr = net.JoinHostPort(host, statsPort)
	}

	device := "not connected"
	if stats.DeviceConnected && stats.DeviceSince != nil {
		device = fmt.Sprintf("connected since %s", stats.DeviceSince.Format(time.RFC1123))
	} else if stats.DeviceConnected {
		device = "connected"
	}

	fmt.Fprintf(w, `Stats for %s:
Uptime: %s
Device: %s

Number of connections: %d
Number of viewers: %d
Max viewers: %d on %s

Queued commands: %d (draining: %t)
Drains: %d started, %d completed, %d aborted
`, friendlyAddr, stats.Uptime.Round(time.Second),
		device,
		stats.NumConnections,
		stats.NumViewers,
		stats.MaxViewers, stats.MaxViewersTime.Format(time.RFC1123),
		stats.QueueLength, stats.Draining,
		stats.DrainsStarted, stats.DrainsCompleted, stats.DrainsAborted)
}
