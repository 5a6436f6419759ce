package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// DefaultPokeAPIURL is the public Pokemon API.
const DefaultPokeAPIURL = "https://pokeapi.co/api/v2"

// GetPokemonTool is the tool name served by NewPokemonServer.
const GetPokemonTool = "get-pokemon"

// Pokemon is the summary returned by get-pokemon.
type Pokemon struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Height    int      `json:"height"`
	Weight    int      `json:"weight"`
	Types     []string `json:"types"`
	Abilities []string `json:"abilities"`
}

// NewPokemonServer builds a demo MCP server exposing get-pokemon backed by
// the Pokemon API at baseURL.
func NewPokemonServer(baseURL string, httpClient *http.Client) *server.MCPServer {
	if baseURL == "" {
		baseURL = DefaultPokeAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	s := server.NewMCPServer("convoy-pokemon", ClientVersion, server.WithToolCapabilities(false))
	tool := mcp.NewTool(GetPokemonTool,
		mcp.WithDescription("Get Pokemon details by name"),
		mcp.WithString("name", mcp.Required(), mcp.Description("The Pokemon name")),
	)
	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, _ := req.GetArguments()["name"].(string)
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		p, err := fetchPokemon(ctx, httpClient, baseURL, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	})
	return s
}

// ServePokemonStdio serves the demo server on stdin/stdout.
func ServePokemonStdio(baseURL string) error {
	return server.ServeStdio(NewPokemonServer(baseURL, nil))
}

func fetchPokemon(ctx context.Context, httpClient *http.Client, baseURL, name string) (*Pokemon, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/pokemon/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("pokemon %s not found", name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		Height int    `json:"height"`
		Weight int    `json:"weight"`
		Types  []struct {
			Type struct {
				Name string `json:"name"`
			} `json:"type"`
		} `json:"types"`
		Abilities []struct {
			Ability struct {
				Name string `json:"name"`
			} `json:"ability"`
		} `json:"abilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	p := &Pokemon{ID: raw.ID, Name: raw.Name, Height: raw.Height, Weight: raw.Weight}
	for _, t := range raw.Types {
		p.Types = append(p.Types, t.Type.Name)
	}
	for _, a := range raw.Abilities {
		p.Abilities = append(p.Abilities, a.Ability.Name)
	}
	return p, nil
}
