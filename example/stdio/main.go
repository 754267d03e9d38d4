// Command stdio connects to a named server from a YAML config file, lists its
// tools, and optionally calls one.
//
// Example config:
//
//	servers:
//	  files:
//	    type: process
//	    command: my-mcp-server
//	    args: ["--root", "/data"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	mcpuse "github.com/mcp-use/mcp-use-go"
)

func main() {
	configPath := flag.String("config", "servers.yaml", "path to the server config file")
	server := flag.String("server", "", "named server to use (default: first configured)")
	tool := flag.String("tool", "", "tool to call after listing")
	args := flag.String("args", "{}", "tool arguments as JSON")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configs, err := mcpuse.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	registry := mcpuse.NewRegistry(configs)
	defer func() {
		if err := registry.CloseAllSessions(context.Background()); err != nil {
			log.Print(err)
		}
	}()

	name := *server
	if name == "" {
		names := registry.ServerNames()
		if len(names) == 0 {
			log.Fatal("no servers configured")
		}
		name = names[0]
	}

	sess, err := registry.CreateSession(ctx, name, true)
	if err != nil {
		log.Fatal(err)
	}

	info := sess.ServerInfo()
	fmt.Printf("Connected to %s %s\n", info.Name, info.Version)

	sess.OnNotification(func(n mcpuse.Notification) {
		switch n.Kind {
		case mcpuse.KindProgress:
			fmt.Printf("progress %s: %.0f\n", n.Progress.ProgressToken, n.Progress.Progress)
		case mcpuse.KindLogMessage:
			fmt.Printf("server log [%s]: %s\n", n.Log.Level, n.Log.Data)
		}
	})

	tools, err := sess.ListTools(ctx, mcpuse.ListToolsParams{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Tools:")
	for _, t := range tools.Tools {
		fmt.Printf("  %s - %s\n", t.Name, t.Description)
	}

	if *tool == "" {
		return
	}

	result, err := sess.CallTool(ctx, mcpuse.CallToolParams{
		Name:      *tool,
		Arguments: json.RawMessage(*args),
	})
	if err != nil {
		log.Fatal(err)
	}
	for _, content := range result.Content {
		if content.Type == "text" {
			fmt.Println(content.Text)
		}
	}
}
