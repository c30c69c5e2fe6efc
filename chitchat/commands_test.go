package chitchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubInteractionHandler records responses and followups instead of
// sending them to discord
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate

	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	followups []*discordgo.WebhookParams

	respondErr  error
	followupErr error
	// embedsErr fails only followups carrying embeds
	embedsErr error
}

func newStubInteractionHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{interaction: i}
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respondErr != nil {
		return s.respondErr
	}
	s.responses = append(s.responses, response)
	return nil
}

func (s *stubInteractionHandler) Followup(
	_ context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.followupErr != nil {
		return nil, s.followupErr
	}
	if s.embedsErr != nil && len(params.Embeds) > 0 {
		return nil, s.embedsErr
	}
	s.followups = append(s.followups, params)
	return &discordgo.Message{Content: params.Content}, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (*stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (*stubInteractionHandler) Logger() *slog.Logger {
	return slog.Default()
}

// requireDeferredFollowup checks the command deferred, then sent exactly
// one followup, and returns it
func (s *stubInteractionHandler) requireDeferredFollowup(t testing.TB) *discordgo.WebhookParams {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		s.responses[0].Type,
	)
	require.Len(t, s.followups, 1)
	return s.followups[0]
}

type stubGenerator struct {
	answer string
	err    error

	mu      sync.Mutex
	prompts []string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.answer, g.err
}

func runCommand(t testing.TB, bot *Bot, i *discordgo.InteractionCreate) *stubInteractionHandler {
	t.Helper()
	handler := newStubInteractionHandler(i)
	bot.handleInteraction(context.Background(), handler)
	return handler
}

func TestRepeatCommand(t *testing.T) {
	bot, _ := newTestBot(t)
	text := "  szia **világ**\n\n "

	handler := runCommand(
		t,
		bot,
		newCommandInteraction(t, newDiscordUser(t), CommandRepeat, stringOpt(commandOptionText, text)),
	)

	require.Len(t, handler.responses, 1)
	resp := handler.responses[0]
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Equal(t, "Te ezt írtad: "+text, resp.Data.Content)
	assert.Empty(t, handler.followups)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.CommandsTotal.WithLabelValues(CommandRepeat, outcomeOK)),
	)
}

func TestRepeatReply_LongestAcceptedText(t *testing.T) {
	text := strings.Repeat("á", repeatMaxLength-9) + "\n\n**x**\n\n"
	require.Equal(t, repeatMaxLength, utf8.RuneCountInString(text))
	assert.Equal(t, repeatPrefix+text, repeatReply(text))
}

func TestJokeCommand(t *testing.T) {
	t.Run(
		"ok", func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, r *http.Request) {
						assert.Equal(t, "application/json", r.Header.Get("Accept"))
						w.Header().Set("Content-Type", "application/json")
						_, _ = io.WriteString(
							w,
							`{"type":"general","setup":"Why?","punchline":"Because.","id":1}`,
						)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(t, func(cfg *Config) { cfg.Joke.URL = srv.URL })
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandJoke))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, "Why?\n||Because.||", followup.Content)
		},
	)

	t.Run(
		"missing setup", func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						_, _ = io.WriteString(w, `{"punchline":"Because."}`)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(t, func(cfg *Config) { cfg.Joke.URL = srv.URL })
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandJoke))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, defaultJokeSetup+"\n||Because.||", followup.Content)
		},
	)

	t.Run(
		"non-2xx", func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						http.Error(w, "nope", http.StatusServiceUnavailable)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(t, func(cfg *Config) { cfg.Joke.URL = srv.URL })
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandJoke))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, jokeErrorMessage, followup.Content)
			assert.Empty(t, followup.Embeds)
			assert.Empty(t, followup.Files)
			assert.Equal(
				t,
				float64(1),
				testutil.ToFloat64(bot.metrics.CommandsTotal.WithLabelValues(CommandJoke, outcomeFailed)),
			)
		},
	)

	t.Run(
		"timeout", func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, r *http.Request) {
						select {
						case <-r.Context().Done():
						case <-time.After(5 * time.Second):
						}
						_, _ = io.WriteString(w, `{"setup":"late","punchline":"too late"}`)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(
				t, func(cfg *Config) {
					cfg.Joke.URL = srv.URL
					cfg.Joke.Timeout = 50 * time.Millisecond
				},
			)
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandJoke))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, jokeErrorMessage, followup.Content)
		},
	)
}

func TestGPTCommand(t *testing.T) {
	t.Run(
		"ok", func(t *testing.T) {
			bot, _ := newTestBot(t)
			generator := &stubGenerator{answer: "42"}
			bot.generator = generator

			handler := runCommand(
				t,
				bot,
				newCommandInteraction(
					t,
					newDiscordUser(t),
					CommandGPT,
					stringOpt(commandOptionText, "mi az élet értelme?"),
				),
			)

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, "42", followup.Content)
			assert.Equal(t, []string{"mi az élet értelme?"}, generator.prompts)
		},
	)

	t.Run(
		"error", func(t *testing.T) {
			bot, _ := newTestBot(t)
			bot.generator = &stubGenerator{err: ErrEmptyCompletion}

			handler := runCommand(
				t,
				bot,
				newCommandInteraction(t, newDiscordUser(t), CommandGPT, stringOpt(commandOptionText, "?")),
			)

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, gptErrorMessage, followup.Content)
		},
	)

	t.Run(
		"long answer", func(t *testing.T) {
			bot, _ := newTestBot(t)
			bot.generator = &stubGenerator{answer: strings.Repeat("a", 3*discordMaxMessageLength)}

			handler := runCommand(
				t,
				bot,
				newCommandInteraction(t, newDiscordUser(t), CommandGPT, stringOpt(commandOptionText, "?")),
			)

			followup := handler.requireDeferredFollowup(t)
			assert.LessOrEqual(t, len([]rune(followup.Content)), discordMaxMessageLength)
			assert.True(t, strings.HasSuffix(followup.Content, "(output limit reached)**"))
		},
	)
}

func TestCatCommand(t *testing.T) {
	image := []byte("\x89PNG\r\n\x1a\nnot really a png")

	t.Run(
		"ok", func(t *testing.T) {
			var gotRandom string
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, r *http.Request) {
						gotRandom = r.URL.Query().Get("random")
						w.Header().Set("Content-Type", "image/jpeg")
						_, _ = w.Write(image)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(t, func(cfg *Config) { cfg.Cat.URL = srv.URL })
			bot.cats.randomInt = func() int { return 1234 }

			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandCat))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, "1234", gotRandom)
			require.Len(t, followup.Files, 1)
			assert.Equal(t, "cat.png", followup.Files[0].Name)
			assert.Equal(t, "image/jpeg", followup.Files[0].ContentType)
			data, err := io.ReadAll(followup.Files[0].Reader)
			require.NoError(t, err)
			assert.Equal(t, image, data)

			require.Len(t, followup.Embeds, 1)
			assert.Equal(t, "Random Cat", followup.Embeds[0].Title)
			require.NotNil(t, followup.Embeds[0].Image)
			assert.Equal(t, "attachment://cat.png", followup.Embeds[0].Image.URL)
		},
	)

	t.Run(
		"error", func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						w.WriteHeader(http.StatusNotFound)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(t, func(cfg *Config) { cfg.Cat.URL = srv.URL })
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandCat))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, catErrorMessage, followup.Content)
			assert.Empty(t, followup.Files)
			assert.Empty(t, followup.Embeds)
		},
	)

	t.Run(
		"empty body", func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						w.WriteHeader(http.StatusOK)
					},
				),
			)
			t.Cleanup(srv.Close)

			bot, _ := newTestBot(t, func(cfg *Config) { cfg.Cat.URL = srv.URL })
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), CommandCat))

			followup := handler.requireDeferredFollowup(t)
			assert.Equal(t, catErrorMessage, followup.Content)
		},
	)
}

func TestMemesCommand(t *testing.T) {
	const memeList = `[
		{
			"title": "Hawk Tuah",
			"primary_platform": "TikTok",
			"summary": "Street interview clip",
			"started_around": "2024-06",
			"tags": ["interview", "viral"],
			"evidence_links": ["https://a.example", "https://b.example", "https://c.example", "https://d.example"]
		},
		{"title": "Moo Deng", "summary": "A baby hippo"}
	]`

	tests := []struct {
		name        string
		status      int
		body        string
		options     []*discordgo.ApplicationCommandInteractionDataOption
		wantQuery   string
		wantContent string
		wantEmbeds  []string
		wantOutcome string
	}{
		{
			name:        "list",
			status:      http.StatusOK,
			body:        memeList,
			wantQuery:   "days_back=7&max_memes=5",
			wantEmbeds:  []string{"Hawk Tuah", "Moo Deng"},
			wantOutcome: outcomeOK,
		},
		{
			name:   "raw output",
			status: http.StatusOK,
			body:   fmt.Sprintf(`[{"raw_output": %q}]`, memeList),
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				intOpt(commandOptionDaysBack, 3),
				intOpt(commandOptionMaxMemes, 2),
			},
			wantQuery:   "days_back=3&max_memes=2",
			wantEmbeds:  []string{"Hawk Tuah", "Moo Deng"},
			wantOutcome: outcomeOK,
		},
		{
			name:        "malformed raw output",
			status:      http.StatusOK,
			body:        `[{"raw_output": "Sorry, I could not find any memes."}]`,
			wantQuery:   "days_back=7&max_memes=5",
			wantContent: memesNoneFoundMessage,
			wantOutcome: outcomeEmpty,
		},
		{
			name:        "empty list",
			status:      http.StatusOK,
			body:        `[]`,
			wantQuery:   "days_back=7&max_memes=5",
			wantContent: memesNoneFoundMessage,
			wantOutcome: outcomeEmpty,
		},
		{
			name:        "not a list",
			status:      http.StatusOK,
			body:        `{"detail": "oops"}`,
			wantQuery:   "days_back=7&max_memes=5",
			wantContent: memesErrorMessage,
			wantOutcome: outcomeFailed,
		},
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			body:        `{"detail": "oops"}`,
			wantQuery:   "days_back=7&max_memes=5",
			wantContent: memesErrorMessage,
			wantOutcome: outcomeFailed,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				var gotQuery string
				srv := httptest.NewServer(
					http.HandlerFunc(
						func(w http.ResponseWriter, r *http.Request) {
							gotQuery = r.URL.RawQuery
							w.Header().Set("Content-Type", "application/json")
							w.WriteHeader(tc.status)
							_, _ = io.WriteString(w, tc.body)
						},
					),
				)
				t.Cleanup(srv.Close)

				bot, _ := newTestBot(t, func(cfg *Config) { cfg.Memes.URL = srv.URL })
				handler := runCommand(
					t,
					bot,
					newCommandInteraction(t, newDiscordUser(t), CommandMemes, tc.options...),
				)

				followup := handler.requireDeferredFollowup(t)
				assert.Equal(t, tc.wantQuery, gotQuery)
				assert.Equal(t, tc.wantContent, followup.Content)

				titles := make([]string, 0, len(followup.Embeds))
				for _, e := range followup.Embeds {
					titles = append(titles, e.Title)
				}
				if tc.wantEmbeds == nil {
					assert.Empty(t, titles)
				} else {
					assert.Equal(t, tc.wantEmbeds, titles)
				}
				assert.Equal(
					t,
					float64(1),
					testutil.ToFloat64(bot.metrics.CommandsTotal.WithLabelValues(CommandMemes, tc.wantOutcome)),
				)
			},
		)
	}
}

func TestMemesCommand_EmbedsRejected(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `[{"title": "Moo Deng", "summary": "A baby hippo"}]`)
			},
		),
	)
	t.Cleanup(srv.Close)

	bot, _ := newTestBot(t, func(cfg *Config) { cfg.Memes.URL = srv.URL })
	handler := newStubInteractionHandler(newCommandInteraction(t, newDiscordUser(t), CommandMemes))
	handler.embedsErr = errors.New("invalid form body")
	bot.handleInteraction(context.Background(), handler)

	followup := handler.requireDeferredFollowup(t)
	assert.Equal(t, memesErrorMessage, followup.Content)
	assert.Empty(t, followup.Embeds)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.CommandsTotal.WithLabelValues(CommandMemes, outcomeFailed)),
	)
}

func TestMemeEmbeds_TotalLimit(t *testing.T) {
	long := strings.Repeat("m", 2000)
	memes := make([]Meme, 5)
	for i := range memes {
		memes[i] = Meme{
			Title:           fmt.Sprintf("%d %s", i, long),
			PrimaryPlatform: long,
			Summary:         long,
			StartedAround:   long,
			Tags:            []string{long},
			EvidenceLinks:   []string{long},
		}
	}

	embeds := memeEmbeds(memes)
	require.NotEmpty(t, embeds)
	total := 0
	for _, e := range embeds {
		total += embedLength(e)
	}
	assert.LessOrEqual(t, total, embedTotalLimit)
	assert.True(t, strings.HasPrefix(embeds[0].Title, "0 "))

	t.Run(
		"last description shortened to fit", func(t *testing.T) {
			medium := strings.Repeat("m", 300)
			memes := make([]Meme, 5)
			for i := range memes {
				memes[i] = Meme{Title: fmt.Sprintf("meme %d", i), Summary: long, Tags: []string{medium}}
			}

			embeds := memeEmbeds(memes)
			total := 0
			for _, e := range embeds {
				total += embedLength(e)
			}
			assert.Equal(t, embedTotalLimit, total)
			require.Len(t, embeds, 5)
			last := embeds[len(embeds)-1]
			assert.Less(t, len(last.Description), embedDescriptionLimit)
			assert.True(t, strings.HasSuffix(last.Description, "…"))
		},
	)
}

func TestHandleInteraction(t *testing.T) {
	t.Run(
		"unknown command", func(t *testing.T) {
			bot, _ := newTestBot(t)
			handler := runCommand(t, bot, newCommandInteraction(t, newDiscordUser(t), "chat"))

			require.Len(t, handler.responses, 1)
			resp := handler.responses[0]
			assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
			assert.Equal(t, unknownCommandMessage, resp.Data.Content)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
			assert.Equal(
				t,
				float64(1),
				testutil.ToFloat64(bot.metrics.CommandsTotal.WithLabelValues("chat", outcomeUnknown)),
			)
		},
	)

	t.Run(
		"ping", func(t *testing.T) {
			bot, _ := newTestBot(t)
			handler := runCommand(
				t,
				bot,
				&discordgo.InteractionCreate{
					Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing, ID: "ping"},
				},
			)

			require.Len(t, handler.responses, 1)
			assert.Equal(t, discordgo.InteractionResponsePong, handler.responses[0].Type)
		},
	)

	t.Run(
		"bot user ignored", func(t *testing.T) {
			bot, _ := newTestBot(t)
			u := newDiscordUser(t)
			u.Bot = true

			handler := runCommand(
				t,
				bot,
				newCommandInteraction(t, u, CommandRepeat, stringOpt(commandOptionText, "hi")),
			)
			assert.Empty(t, handler.responses)
			assert.Empty(t, handler.followups)
		},
	)

	t.Run(
		"no user", func(t *testing.T) {
			bot, _ := newTestBot(t)
			i := newCommandInteraction(t, newDiscordUser(t), CommandRepeat, stringOpt(commandOptionText, "hi"))
			i.Member = nil

			handler := runCommand(t, bot, i)
			assert.Empty(t, handler.responses)
		},
	)

	t.Run(
		"defer fails", func(t *testing.T) {
			bot, _ := newTestBot(t)
			generator := &stubGenerator{answer: "unused"}
			bot.generator = generator

			handler := newStubInteractionHandler(
				newCommandInteraction(t, newDiscordUser(t), CommandGPT, stringOpt(commandOptionText, "?")),
			)
			handler.respondErr = errors.New("unknown interaction")
			bot.handleInteraction(context.Background(), handler)

			assert.Empty(t, generator.prompts)
			assert.Empty(t, handler.followups)
			assert.Equal(
				t,
				float64(1),
				testutil.ToFloat64(bot.metrics.CommandsTotal.WithLabelValues(CommandGPT, outcomeFailed)),
			)
		},
	)
}

func TestGatewayHandler(t *testing.T) {
	session := newStubSession()
	i := newCommandInteraction(t, newDiscordUser(t), CommandRepeat, stringOpt(commandOptionText, "hi"))
	handler := newGatewayHandler(session, i, nil)

	assert.Equal(t, discordInteractionReceiveMethodGateway, handler.InteractionReceiveMethod())
	assert.Same(t, i, handler.GetInteraction())

	ctx := context.Background()
	require.NoError(t, handler.Respond(ctx, messageResponse("hello")))
	_, err := handler.Followup(ctx, &discordgo.WebhookParams{Content: "again"})
	require.NoError(t, err)

	require.Len(t, session.Responses(), 1)
	assert.Equal(t, "hello", session.Responses()[0].Data.Content)
	require.Len(t, session.Followups(), 1)
	assert.Equal(t, "again", session.Followups()[0].Content)
}

func TestCommandOptions(t *testing.T) {
	i := newCommandInteraction(
		t,
		newDiscordUser(t),
		CommandMemes,
		intOpt(commandOptionDaysBack, 30),
		stringOpt(commandOptionText, "hello"),
	)

	assert.Equal(t, 30, intOption(i, commandOptionDaysBack, 7))
	assert.Equal(t, 5, intOption(i, commandOptionMaxMemes, 5))
	assert.Equal(t, "hello", stringOption(i, commandOptionText))

	// wrong option type falls back instead of panicking
	assert.Equal(t, 9, intOption(i, commandOptionText, 9))
	assert.Equal(t, "", stringOption(i, commandOptionDaysBack))
}
