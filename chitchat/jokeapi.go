package chitchat

import (
	"context"
	"encoding/json"
	"fmt"
)

const defaultJokeSetup = "Nem érkezett poén."

// Joke is a two-part joke; the punchline is shown as a spoiler
type Joke struct {
	Setup     string `json:"setup"`
	Punchline string `json:"punchline"`
}

// JokeAPI fetches random jokes from the official joke API (or anything
// returning the same shape)
type JokeAPI struct {
	upstream
}

// Random returns a random joke. A missing setup is replaced with a
// placeholder, a missing punchline is left empty.
func (j JokeAPI) Random(ctx context.Context) (Joke, error) {
	body, _, err := j.get(ctx, nil, "application/json", maxJSONBodyBytes)
	if err != nil {
		return Joke{}, err
	}
	var joke Joke
	if err = json.Unmarshal(body, &joke); err != nil {
		return Joke{}, fmt.Errorf("%s: decode response: %w", j.name, err)
	}
	if joke.Setup == "" {
		joke.Setup = defaultJokeSetup
	}
	return joke, nil
}

// String renders the joke with the punchline hidden behind a spoiler
func (j Joke) String() string {
	return j.Setup + "\n||" + j.Punchline + "||"
}
