package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/llmsimulator/internal/engine"
)

func dim(n uint32) *uint32 { return &n }

func testCaps() []engine.Capability {
	return []engine.Capability{
		{ID: "gpt-chat", Family: engine.FamilyOpenAI, ContextWindowTokens: 8192, MaxOutputTokens: 1024},
		{ID: "gpt-embed", Family: engine.FamilyOpenAI, ContextWindowTokens: 8192, MaxOutputTokens: 0, EmbeddingDim: dim(1536)},
		{ID: "claude-chat", Family: engine.FamilyAnthropic, ContextWindowTokens: 200000, MaxOutputTokens: 4096},
	}
}

func TestResolveFound(t *testing.T) {
	r := New(testCaps())
	c, err := r.Resolve("gpt-chat")
	require.NoError(t, err)
	assert.Equal(t, engine.FamilyOpenAI, c.Family)
}

func TestResolveNotFound(t *testing.T) {
	r := New(testCaps())
	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestListDeclarationOrder(t *testing.T) {
	r := New(testCaps())
	descs := r.List(nil)
	require.Len(t, descs, 3)
	assert.Equal(t, []string{"gpt-chat", "gpt-embed", "claude-chat"}, []string{descs[0].ID, descs[1].ID, descs[2].ID})
}

func TestListFiltersByFamily(t *testing.T) {
	r := New(testCaps())
	family := engine.FamilyOpenAI
	descs := r.List(&family)
	require.Len(t, descs, 2)
	for _, d := range descs {
		assert.Equal(t, engine.FamilyOpenAI, d.Family)
	}
}

func TestValidateRejectsEmbeddingOnChatOnlyModel(t *testing.T) {
	r := New(testCaps())
	req := &engine.NormalizedRequest{ModelID: "gpt-chat", Operation: engine.OperationEmbedding}
	err := r.Validate(req)
	require.Error(t, err)
	var invalid *ErrInvalid
	assert.ErrorAs(t, err, &invalid)
}

func TestValidateRejectsMaxTokensOverCap(t *testing.T) {
	r := New(testCaps())
	req := &engine.NormalizedRequest{
		ModelID:    "gpt-chat",
		Operation:  engine.OperationChat,
		Parameters: engine.Parameters{MaxTokens: 999999},
	}
	err := r.Validate(req)
	require.Error(t, err)
}

func TestValidateAcceptsWellFormedChatRequest(t *testing.T) {
	r := New(testCaps())
	req := &engine.NormalizedRequest{
		ModelID:    "gpt-chat",
		Operation:  engine.OperationChat,
		Parameters: engine.Parameters{MaxTokens: 100},
	}
	assert.NoError(t, r.Validate(req))
}

func TestValidateUnknownModel(t *testing.T) {
	r := New(testCaps())
	req := &engine.NormalizedRequest{ModelID: "nope", Operation: engine.OperationChat}
	err := r.Validate(req)
	require.Error(t, err)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}
