package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-agent/internal/compliance"
	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/events"
	"github.com/wolfman30/chat-agent/internal/modes"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

func TestParse(t *testing.T) {
	t.Run("fills sender and text", func(t *testing.T) {
		pc := pipeline.NewContext(textEvent(" 5511 ", "wamid.1", "  olá  "), time.Now())
		res := NewParse().Process(context.Background(), pc)
		require.True(t, res.ShouldContinue)
		assert.Equal(t, "5511", pc.SenderID)
		assert.Equal(t, "olá", pc.Text)
		assert.Equal(t, "wamid.1", pc.MetaString(MetaMessageID))
	})

	t.Run("missing sender fails", func(t *testing.T) {
		pc := pipeline.NewContext(textEvent("", "wamid.1", "oi"), time.Now())
		res := NewParse().Process(context.Background(), pc)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, pipeline.ErrUnparsableInput)
	})

	t.Run("empty text without media ends silently", func(t *testing.T) {
		pc := pipeline.NewContext(&conversation.InboundEvent{SenderID: "5511", MessageID: "wamid.2"}, time.Now())
		res := NewParse().Process(context.Background(), pc)
		assert.True(t, res.Success)
		assert.False(t, res.ShouldContinue)
		assert.Nil(t, res.Response)
		assert.Equal(t, true, res.Metadata[MetaEmpty])
	})

	t.Run("media without caption continues", func(t *testing.T) {
		pc := pipeline.NewContext(&conversation.InboundEvent{SenderID: "5511", MessageID: "wamid.3", MediaType: "image"}, time.Now())
		res := NewParse().Process(context.Background(), pc)
		assert.True(t, res.ShouldContinue)
	})
}

func TestEntities_StoresInboundOnce(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	stage := NewEntities(repo)
	event := &conversation.InboundEvent{SenderID: "5511", MessageID: "wamid.img", MediaType: "image", ReceivedAt: time.Now()}

	pc := pipeline.NewContext(event, time.Now())
	pc.SenderID = "5511"
	res := stage.Process(context.Background(), pc)
	require.True(t, res.ShouldContinue)
	require.NotNil(t, pc.Conversation)
	assert.Equal(t, modes.Discovery, pc.Mode)
	assert.NotEmpty(t, res.Metadata[MetaInteractionID])

	stored := repo.Interactions(pc.Conversation.ID)
	require.Len(t, stored, 1)
	assert.Equal(t, "[image]", stored[0].Body)

	again := pipeline.NewContext(event, time.Now())
	again.SenderID = "5511"
	res = stage.Process(context.Background(), again)
	assert.True(t, res.Success)
	assert.False(t, res.ShouldContinue)
	assert.Equal(t, true, res.Metadata[MetaDuplicate])
}

func TestEntities_RestoresPersistedMode(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	ctx := context.Background()
	contact, _ := repo.FindOrCreateContact(ctx, "5511", "")
	conv, _ := repo.FindOrCreateConversation(ctx, contact.ID)
	require.NoError(t, repo.UpdateMode(ctx, conv.ID, string(modes.Followup)))

	pc := pipeline.NewContext(textEvent("5511", "wamid.1", "oi"), time.Now())
	pc.SenderID = "5511"
	NewEntities(repo).Process(ctx, pc)
	assert.Equal(t, modes.Followup, pc.Mode)
}

func TestOptOut(t *testing.T) {
	newStage := func(repo conversation.Repository, pub Publisher, help string) *OptOut {
		return NewOptOut(compliance.NewDetector(nil, nil), repo, pub, OptOutConfig{Confirmation: "bye", Help: help}, logging.Discard())
	}

	t.Run("keyword replies without applying", func(t *testing.T) {
		repo := conversation.NewMemoryRepository()
		pc := resolved(t, repo, textEvent("5511", "wamid.1", "Parar"))
		res := newStage(repo, nil, "").Process(context.Background(), pc)

		require.NotNil(t, res.Response)
		assert.Equal(t, "bye", *res.Response)
		assert.False(t, res.ShouldContinue)
		assert.Equal(t, true, res.Metadata[MetaOptOut])
		assert.Equal(t, true, res.Metadata[MetaFixedReply])
		c, _ := repo.Contact("5511")
		assert.False(t, c.OptedOut)
	})

	t.Run("long sentence is not an opt-out", func(t *testing.T) {
		repo := conversation.NewMemoryRepository()
		pc := resolved(t, repo, textEvent("5511", "wamid.1", "nao pare de me avisar das promocoes por favor amigo"))
		res := newStage(repo, nil, "").Process(context.Background(), pc)
		assert.True(t, res.ShouldContinue)
	})

	t.Run("opted-out sender is reactivated", func(t *testing.T) {
		repo := conversation.NewMemoryRepository()
		pub := &recordingPublisher{}
		pc := resolved(t, repo, textEvent("5511", "wamid.2", "oi de novo"))
		require.NoError(t, repo.SetOptOut(context.Background(), "5511", true))
		pc.Contact.OptedOut = true

		res := newStage(repo, pub, "").Process(context.Background(), pc)
		assert.True(t, res.ShouldContinue)
		assert.Equal(t, true, res.Metadata[MetaReactivated])
		c, _ := repo.Contact("5511")
		assert.False(t, c.OptedOut)
		rec, ok := pub.find(events.KindOptOut)
		require.True(t, ok)
		assert.Equal(t, "reactivated", rec.Outcome)
	})

	t.Run("help reply only when configured", func(t *testing.T) {
		repo := conversation.NewMemoryRepository()
		pc := resolved(t, repo, textEvent("5511", "wamid.3", "ajuda"))
		assert.True(t, newStage(repo, nil, "").Process(context.Background(), pc).ShouldContinue)

		res := newStage(repo, nil, "Responda PARE para sair.").Process(context.Background(), pc)
		require.NotNil(t, res.Response)
		assert.Equal(t, "Responda PARE para sair.", *res.Response)
		assert.Equal(t, true, res.Metadata[MetaHelp])
	})
}

func TestMedia(t *testing.T) {
	stage := NewMedia("só texto")
	media := pipeline.NewContext(&conversation.InboundEvent{SenderID: "5511", MediaType: "audio"}, time.Now())
	assert.True(t, stage.ShouldRun(media))
	res := stage.Process(context.Background(), media)
	require.NotNil(t, res.Response)
	assert.Equal(t, "só texto", *res.Response)

	captioned := pipeline.NewContext(&conversation.InboundEvent{SenderID: "5511", MediaType: "image"}, time.Now())
	captioned.Text = "olha essa foto"
	assert.False(t, stage.ShouldRun(captioned))
}

func TestHandoffStage(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	notifier := &recordingNotifier{}
	spawner := &syncSpawner{}
	pub := &recordingPublisher{}
	stage := NewHandoff(NewHandoffs(repo, notifier, spawner, pub, logging.Discard()), nil, "ok, chamando")

	pc := resolved(t, repo, textEvent("5511", "wamid.1", "Quero falar com ALGUÉM"))
	res := stage.Process(context.Background(), pc)
	require.NotNil(t, res.Response)
	assert.Equal(t, "ok, chamando", *res.Response)
	assert.True(t, pc.Conversation.HandoffActive)
	assert.Equal(t, []string{"notify_handoff"}, spawner.names)
	require.Len(t, notifier.handoffs, 1)
	assert.Equal(t, "customer_request", notifier.handoffs[0].Reason)
	rec, ok := pub.find(events.KindHandoff)
	require.True(t, ok)
	assert.Equal(t, "requested", rec.Outcome)

	res = stage.Process(context.Background(), pc)
	assert.Nil(t, res.Response)
	assert.False(t, res.ShouldContinue)
	assert.Equal(t, true, res.Metadata[MetaHandoffActive])
}

func TestHandoffStage_KeywordNeedsWholeWords(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	stage := NewHandoff(NewHandoffs(repo, nil, nil, nil, logging.Discard()), []string{"humano"}, "")

	pc := resolved(t, repo, textEvent("5511", "wamid.1", "isso é desumano"))
	assert.True(t, stage.Process(context.Background(), pc).ShouldContinue)
}

func TestModeStage(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	pub := &recordingPublisher{}
	detector := modes.DefaultIntentDetector()
	router := modes.NewRouter(modes.NewMemoryStore(), detector, modes.NewValidator(modes.ValidatorConfig{}, detector))
	stage := NewMode(router, repo, pub, logging.Discard())

	pc := resolved(t, repo, textEvent("5511", "wamid.1", "quero agendar"))
	res := stage.Process(context.Background(), pc)

	require.True(t, res.ShouldContinue)
	assert.Equal(t, modes.Offer, pc.Mode)
	assert.Equal(t, string(modes.DecisionApply), res.Metadata[MetaModeDecision])
	assert.Equal(t, string(modes.Offer), pc.Conversation.Mode)
	rec, ok := pub.find(events.KindModeDecision)
	require.True(t, ok)
	assert.Equal(t, "discovery", rec.Data["from"])
	assert.Equal(t, "offer", rec.Data["to"])
}

type failingRouter struct{}

func (failingRouter) Route(context.Context, string, string) (modes.Outcome, error) {
	return modes.Outcome{}, assert.AnError
}

func TestModeStage_RoutingErrorKeepsMode(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	pc := resolved(t, repo, textEvent("5511", "wamid.1", "oi"))
	pc.Mode = modes.Followup

	res := NewMode(failingRouter{}, repo, nil, logging.Discard()).Process(context.Background(), pc)
	assert.True(t, res.ShouldContinue)
	assert.Equal(t, modes.Followup, pc.Mode)
}
