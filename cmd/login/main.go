// Command login performs the one-time interactive OAuth consent flow and
// stores the resulting refresh token in the shared store, where the server
// picks it up at startup.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/ignite/inbox-harvester/internal/config"
	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/store"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*envFile)
	if err != nil {
		log.Fatalf("[Login] config: %v", err)
	}
	if cfg.Graph.ClientID == "" || cfg.Graph.ClientSecret == "" {
		log.Fatal("[Login] CLIENT_ID and CLIENT_SECRET are required")
	}

	ctx := context.Background()
	st, err := store.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("[Login] store: %v", err)
	}
	defer st.Close()

	conf := graph.OAuthConfig(cfg.Graph.ClientID, cfg.Graph.ClientSecret,
		cfg.Graph.TenantID, cfg.Graph.RedirectURI)

	fmt.Println("Open this URL in a browser and sign in:")
	fmt.Println()
	fmt.Println("  " + conf.AuthCodeURL("state", oauth2.AccessTypeOffline))
	fmt.Println()
	fmt.Print("Paste the authorization code from the redirect URL: ")

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		log.Fatalf("[Login] reading code: %v", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		log.Fatal("[Login] no authorization code provided")
	}

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		log.Fatalf("[Login] code exchange: %v", err)
	}
	if token.RefreshToken == "" {
		log.Fatal("[Login] provider returned no refresh token; check the offline_access scope")
	}

	if err := graph.StoreRefreshToken(ctx, st, token.RefreshToken); err != nil {
		log.Fatalf("[Login] storing refresh token: %v", err)
	}

	fmt.Println("Refresh token stored. The server can now authenticate on its own.")
}
