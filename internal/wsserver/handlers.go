package wsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"llmrpg/internal/apperr"
	"llmrpg/internal/engine"
	"llmrpg/internal/ids"
	"llmrpg/internal/media"
	"llmrpg/internal/persistence"
	"llmrpg/internal/protocol"
	"llmrpg/internal/session"
	"llmrpg/internal/tools"
	"llmrpg/internal/wsproto"
)

const defaultTheme = "classic fantasy adventure"

func (c *conn) nextMessageIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.messageIndex
	c.messageIndex++
	return idx
}

func (c *conn) cacheMedia(idx int, mutate func(*mediaEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.media[idx]
	if !ok {
		e = &mediaEntry{}
		c.media[idx] = e
	}
	mutate(e)
}

func buildSystemPrompt(theme, artStyle string, adv *protocol.AdventureOutline) string {
	prompt := fmt.Sprintf(
		"You are the narrator of a text adventure with theme %q, rendered in %q art style. "+
			"Respond to the player's command with narration prose, then a line containing only "+
			"<<<JSON>>>, then a single JSON object with a responseType field: either "+
			"\"fullScene\" (locationId, locationName, imageDescription, musicDescription, "+
			"musicMood, exits, items, npcs) when the player moves to a new or already-visited "+
			"location, or \"simple\" (locationId, actionTaken) otherwise. Never move the player "+
			"through an exit whose state is not \"open\".",
		theme, artStyle,
	)
	if adv != nil {
		prompt += fmt.Sprintf("\n\nAdventure outline: %q — main quest: %q.", adv.Title, adv.MainQuest)
	}
	return prompt
}

func (c *conn) handleNewGame(ctx context.Context, raw []byte) {
	var f wsproto.NewGameFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed newGame frame", err.Error()))
		return
	}

	theme := f.Theme
	if theme == "" {
		theme = defaultTheme
	}
	artStyle := media.ArtStyle(f.ArtStyle)
	if artStyle == "" {
		artStyle = media.StylePixel
	}

	var adv *protocol.AdventureOutline
	if f.AdventureOutline {
		var err error
		adv, err = c.srv.outlineGen.Generate(ctx, theme, string(artStyle))
		if err != nil {
			c.writeError(err)
			return
		}
	}

	gameID := ids.NewGameID()
	eng, err := engine.New(engine.Config{
		GameID:       gameID,
		Theme:        theme,
		ArtStyle:     artStyle,
		SystemPrompt: buildSystemPrompt(theme, string(artStyle), adv),
		LLMClient:    c.srv.llmClient,
		Tools:        tools.NewDefaultRegistry(),
		MediaCache:   c.srv.mediaCache,
		TTSClient:    c.srv.ttsClient,
		ImageClient:  c.srv.imageClient,
		MusicClient:  c.srv.musicClient,
		Clock:        c.srv.clock,
		Logger:       c.srv.log,
	})
	if err != nil {
		c.writeError(apperr.Wrap(apperr.KindConfig, "failed to build game engine", err))
		return
	}
	eng.Outline = adv

	sess := c.srv.sessions.CreateSession(eng)
	c.setSession(sess, gameID)
	if f.ImageGeneration {
		// Recorded for parity with the wire contract; per-turn image
		// generation is gated by CoreState's own heuristic regardless.
	}

	var resp engine.GameResponse
	if err := c.srv.sessions.WithCommand(sess.ID, func(s *session.Session) error {
		var runErr error
		resp, runErr = s.Engine.Initialize(ctx)
		return runErr
	}); err != nil {
		c.writeError(err)
		return
	}

	c.persistStep(eng, "", resp, true)

	idx := c.nextMessageIndex()
	hasImage := eng.ShouldGenerateSceneImage(resp.Scene != nil, resp.Text)
	hasMusic := eng.ShouldGenerateBackgroundMusic(resp.Text)

	c.writeFrame(wsproto.GameStartedFrame{
		Type:         wsproto.TypeGameStarted,
		SessionID:    sess.ID,
		GameID:       gameID,
		Text:         resp.Text,
		MessageIndex: idx,
		Scene:        resp.Scene,
		Audio:        resp.Audio,
		HasImage:     hasImage,
		HasMusic:     hasMusic,
	})

	c.generateMediaAsync(eng, idx, resp, hasImage, hasMusic)
}

func (c *conn) handleLoadGame(ctx context.Context, raw []byte) {
	var f wsproto.LoadGameFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed loadGame frame", err.Error()))
		return
	}

	if err := c.srv.journal.MigrateLegacyIfNeeded(f.GameID); err != nil {
		c.writeError(err)
		return
	}

	steps, err := c.srv.journal.ListSteps(f.GameID)
	if err != nil || len(steps) == 0 {
		c.writeError(apperr.New(apperr.KindNotFound, "game not found").WithDetails(f.GameID))
		return
	}
	step, err := c.srv.journal.LoadStep(f.GameID, steps[len(steps)-1])
	if err != nil {
		c.writeError(err)
		return
	}

	eng, err := engine.New(engine.Config{
		GameID:       f.GameID,
		Theme:        step.State.Theme,
		ArtStyle:     media.ArtStyle(step.State.ArtStyle),
		SystemPrompt: step.State.SystemPrompt,
		LLMClient:    c.srv.llmClient,
		Tools:        tools.NewDefaultRegistry(),
		MediaCache:   c.srv.mediaCache,
		TTSClient:    c.srv.ttsClient,
		ImageClient:  c.srv.imageClient,
		MusicClient:  c.srv.musicClient,
		Clock:        c.srv.clock,
		Logger:       c.srv.log,
	})
	if err != nil {
		c.writeError(apperr.Wrap(apperr.KindConfig, "failed to rebuild game engine", err))
		return
	}
	eng.RestoreGameState(step.State)

	sess := c.srv.sessions.CreateSession(eng)
	c.setSession(sess, f.GameID)
	c.mu.Lock()
	c.messageIndex = len(step.State.ConversationHistory)
	c.mu.Unlock()

	c.writeFrame(wsproto.GameLoadedFrame{
		Type:            wsproto.TypeGameLoaded,
		SessionID:       sess.ID,
		GameID:          f.GameID,
		Conversation:    step.State.ConversationHistory,
		CurrentLocation: currentLocationID(step.State),
		CurrentScene:    step.State.CurrentScene,
	})
}

func currentLocationID(state engine.GameState) string {
	if state.CurrentScene == nil {
		return ""
	}
	return state.CurrentScene.LocationID
}

func (c *conn) handleCommand(ctx context.Context, raw []byte) {
	var f wsproto.CommandFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed command frame", err.Error()))
		return
	}
	sess := c.getSession()
	if sess == nil {
		c.writeError(apperr.New(apperr.KindValidation, "no active game for this connection"))
		return
	}

	var resp engine.GameResponse
	err := c.srv.sessions.WithCommand(sess.ID, func(s *session.Session) error {
		var runErr error
		resp, runErr = s.Engine.ProcessCommand(ctx, f.Command, false)
		return runErr
	})
	if err != nil {
		c.writeError(err)
		return
	}

	c.persistStep(sess.Engine, f.Command, resp, false)

	idx := c.nextMessageIndex()
	hasImage := sess.Engine.ShouldGenerateSceneImage(resp.Scene != nil, resp.Text)
	hasMusic := sess.Engine.ShouldGenerateBackgroundMusic(resp.Text)

	c.writeFrame(wsproto.CommandResponseFrame{
		Type:         wsproto.TypeCommandResponse,
		Text:         resp.Text,
		MessageIndex: idx,
		Command:      f.Command,
		Scene:        resp.Scene,
		Audio:        resp.Audio,
		HasImage:     hasImage,
		HasMusic:     hasMusic,
	})

	c.generateMediaAsync(sess.Engine, idx, resp, hasImage, hasMusic)
}

func (c *conn) handleStreamCommand(ctx context.Context, raw []byte) {
	var f wsproto.StreamCommandFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed streamCommand frame", err.Error()))
		return
	}
	sess := c.getSession()
	if sess == nil {
		c.writeError(apperr.New(apperr.KindValidation, "no active game for this connection"))
		return
	}

	chunkNumber := 0
	var resp engine.GameResponse
	err := c.srv.sessions.WithCommand(sess.ID, func(s *session.Session) error {
		var runErr error
		resp, runErr = s.Engine.ProcessCommandStreaming(ctx, f.Command, func(text string) {
			chunkNumber++
			c.writeFrame(wsproto.TextChunkFrame{Type: wsproto.TypeTextChunk, Text: text, ChunkNumber: chunkNumber})
		}, false)
		return runErr
	})
	if err != nil {
		c.writeError(err)
		return
	}

	c.persistStep(sess.Engine, f.Command, resp, false)

	idx := c.nextMessageIndex()
	hasImage := sess.Engine.ShouldGenerateSceneImage(resp.Scene != nil, resp.Text)
	hasMusic := sess.Engine.ShouldGenerateBackgroundMusic(resp.Text)

	c.writeFrame(wsproto.StreamCompleteFrame{
		Type:         wsproto.TypeStreamComplete,
		MessageIndex: idx,
		TotalChunks:  chunkNumber,
		Scene:        resp.Scene,
		Audio:        resp.Audio,
		HasImage:     hasImage,
		HasMusic:     hasMusic,
	})

	c.generateMediaAsync(sess.Engine, idx, resp, hasImage, hasMusic)
}

// handleAudioCommand exists for the wire contract's sake, but no
// speech-to-text SPI is defined anywhere in this system (spec.md §6 lists
// only TTSClient, ImageClient, MusicClient) — there is nothing for this
// handler to call. It reports that clearly rather than silently no-oping.
func (c *conn) handleAudioCommand(ctx context.Context, raw []byte) {
	c.writeError(apperr.New(apperr.KindAudio, "speech-to-text is not configured on this server"))
}

func (c *conn) handleGetImage(raw []byte) {
	var f wsproto.GetImageFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed getImage frame", err.Error()))
		return
	}
	c.mu.Lock()
	entry, ok := c.media[f.MessageIndex]
	c.mu.Unlock()
	if !ok || entry.image == "" {
		c.writeError(apperr.New(apperr.KindMedia, "no image available for that message"))
		return
	}
	c.writeFrame(wsproto.ImageReadyFrame{Type: wsproto.TypeImageReady, MessageIndex: f.MessageIndex, Image: entry.image})
}

func (c *conn) handleGetMusic(raw []byte) {
	var f wsproto.GetMusicFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed getMusic frame", err.Error()))
		return
	}
	c.mu.Lock()
	entry, ok := c.media[f.MessageIndex]
	c.mu.Unlock()
	if !ok || entry.music == "" {
		c.writeError(apperr.New(apperr.KindMedia, "no music available for that message"))
		return
	}
	c.writeFrame(wsproto.MusicReadyFrame{Type: wsproto.TypeMusicReady, MessageIndex: f.MessageIndex, Music: entry.music, Mood: entry.mood})
}

func (c *conn) handleListGames() {
	games, err := c.srv.journal.ListGames()
	if err != nil {
		c.writeError(err)
		return
	}
	summaries := make([]wsproto.GameSummary, 0, len(games))
	for _, g := range games {
		summaries = append(summaries, wsproto.GameSummary{
			GameID:         g.GameID,
			AdventureTitle: g.AdventureTitle,
			Theme:          g.Theme,
			LastPlayed:     g.LastPlayed.UnixMilli(),
			TotalSteps:     g.TotalSteps,
		})
	}
	c.writeFrame(wsproto.GamesListFrame{Type: wsproto.TypeGamesList, Games: summaries})
}

// persistStep snapshots eng and writes it as the next step of its game. A
// failure here is logged and surfaced to the client (PersistenceError
// propagates, per spec.md §7) but does not unwind the turn that already
// succeeded in memory.
func (c *conn) persistStep(eng *engine.Engine, command string, resp engine.GameResponse, isFirstStep bool) {
	state := eng.GetGameState()
	stepNum := 1
	if steps, err := c.srv.journal.ListSteps(eng.GameID); err == nil {
		stepNum = len(steps) + 1
	} else if _, notFound := apperr.As(err, apperr.KindNotFound); !notFound {
		c.log.Error("failed to number step", "gameId", eng.GameID, "error", err)
		c.writeError(err)
		return
	}

	var outlineJSON []byte
	if isFirstStep && eng.Outline != nil {
		if b, err := json.Marshal(eng.Outline); err == nil {
			outlineJSON = b
		}
	}

	step := persistence.Step{
		Meta: persistence.StepMetadata{
			GameID:         eng.GameID,
			StepNumber:     stepNum,
			Timestamp:      c.srv.clock.Now().UnixMilli(),
			UserCommand:    command,
			ResponseLength: len(resp.Text),
			MessageCount:   len(state.AgentMessages),
			Success:        true,
		},
		State:    state,
		Command:  command,
		Response: resp.Text,
		Messages: state.AgentMessages,
		Outline:  outlineJSON,
	}
	if err := c.srv.journal.SaveStep(step); err != nil {
		c.log.Error("failed to persist step", "gameId", eng.GameID, "step", stepNum, "error", err)
		c.writeError(err)
	}
}

// generateMediaAsync runs image/music generation detached from the command
// turn, bounded by the server's worker pool, and reports completion via
// imageReady/musicReady — never as a command failure, per spec.md §5/§7.
func (c *conn) generateMediaAsync(eng *engine.Engine, idx int, resp engine.GameResponse, hasImage, hasMusic bool) {
	if hasImage {
		go c.runMediaTask(func(ctx context.Context) {
			description := resp.Text
			if resp.Scene != nil && resp.Scene.ImageDescription != "" {
				description = resp.Scene.ImageDescription
			}
			b64, ok, err := withMediaRetry(ctx, c.srv.rng, func(ctx context.Context) (string, bool, error) {
				return eng.GenerateSceneImage(ctx, description)
			})
			if err != nil || !ok {
				return
			}
			c.cacheMedia(idx, func(e *mediaEntry) { e.image = b64 })
			c.writeFrame(wsproto.ImageReadyFrame{Type: wsproto.TypeImageReady, MessageIndex: idx, Image: b64})
		})
	}
	if hasMusic {
		go c.runMediaTask(func(ctx context.Context) {
			b64, ok, err := withMediaRetry(ctx, c.srv.rng, func(ctx context.Context) (string, bool, error) {
				return eng.GenerateBackgroundMusic(ctx, resp.Text)
			})
			if err != nil || !ok {
				return
			}
			mood := protocol.MoodExploration
			if resp.Scene != nil {
				mood = resp.Scene.MusicMood
			}
			c.cacheMedia(idx, func(e *mediaEntry) { e.music = b64; e.mood = mood })
			c.writeFrame(wsproto.MusicReadyFrame{Type: wsproto.TypeMusicReady, MessageIndex: idx, Music: b64, Mood: mood})
		})
	}
}

// runMediaTask acquires a worker-pool slot (spec.md §5's bounded pool,
// default 4) before running fn, and releases it afterward.
func (c *conn) runMediaTask(fn func(ctx context.Context)) {
	if !c.srv.acquireMediaSlot(c.baseCtx.Done()) {
		return
	}
	defer c.srv.releaseMediaSlot()
	fn(c.baseCtx)
}
