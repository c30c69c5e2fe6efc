// Package chitchat implements a Discord bot for a single guild, with a
// handful of slash commands and a moderation relay for ordinary messages.
//
// Key components of the package include:
//
//   - Bot: The main struct, wiring discord events to commands and the relay.
//   - Discord: Handles the gateway session, command registration and
//     connection lifecycle.
//   - OpenAI: Text generation, translation and moderation.
//   - JokeAPI, CatAPI, MemeAPI: Plain HTTP upstreams used by commands.
//   - API: Health check and Prometheus metrics.
//   - DiscordWebhookServer: Receives interactions over HTTP instead of the
//     gateway.
//
// The bot supports these commands:
//
//   - /repeat: Echoes the given text.
//   - /joke: Tells a random joke, punchline hidden behind a spoiler.
//   - /gpt: Answers a prompt with the configured model.
//   - /cat: Sends a random cat picture.
//   - /memes: Lists recently trending memes.
//
// Every guild message also passes through the relay, which reacts to a
// few keywords and, for messages the moderation model flags, replies with
// a warning and a politer rewording.
package chitchat
