package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"unlock-bot/client"
	"unlock-bot/config"
)

// Checks which protocol the fingerprinted transport negotiates and how long
// a cold and a warm request take.
func main() {
	target := flag.String("url", config.Default().Dispatch.StatusURL, "URL to fetch")
	proxy := flag.String("proxy", os.Getenv("UNLOCK_BOT_PROXY"), "SOCKS5 proxy URL")
	insecure := flag.Bool("insecure", false, "skip certificate verification")
	flag.Parse()

	fmt.Println("Starting transport verification (uTLS okhttp fingerprint)...")

	c, err := client.NewLowLatencyClient(client.Options{
		Proxy:              *proxy,
		ConnectTimeout:     5 * time.Second,
		ReadTimeout:        15 * time.Second,
		InsecureSkipVerify: *insecure,
	})
	if err != nil {
		fmt.Printf("Client setup failed: %v\n", err)
		os.Exit(1)
	}
	defer c.CloseIdleConnections()

	headers := map[string]string{"User-Agent": client.UserAgent, "Connection": "keep-alive"}
	for _, pass := range []string{"cold", "warm"} {
		res, err := c.ExecuteRequestWithHeaders(context.Background(), http.MethodGet, *target, nil, headers)
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		if res.Error != "" {
			fmt.Printf("Request failed (%s): %s\n", pass, res.Error)
			os.Exit(1)
		}
		fmt.Printf("\n[%s]\n", pass)
		fmt.Printf("   Status   : %d\n", res.StatusCode)
		fmt.Printf("   Protocol : %s\n", res.Protocol)
		fmt.Printf("   Reused   : %v\n", res.ConnectionReused)
		fmt.Printf("   Connect  : %s\n", res.ConnectDone)
		fmt.Printf("   TTFB     : %s\n", res.GotFirstResponseByte)
		fmt.Printf("   Total    : %s\n", res.TotalDuration)
	}
}
