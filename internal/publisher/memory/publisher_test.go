package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()

	id1, err := p.Publish(context.Background(), "pagesift.pages", map[string]string{"url": "https://a.test/"})
	require.NoError(t, err)
	id2, err := p.Publish(context.Background(), "pagesift.jobs", map[string]string{"status": "completed"})
	require.NoError(t, err)

	assert.Equal(t, "memory-1", id1)
	assert.Equal(t, "memory-2", id2)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "pagesift.pages", msgs[0].Topic)
	assert.Equal(t, "pagesift.jobs", msgs[1].Topic)

	pages := p.MessagesFor("pagesift.pages")
	require.Len(t, pages, 1)
	assert.Equal(t, map[string]string{"url": "https://a.test/"}, pages[0].Payload)
}

func TestPublisherMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "t", "one")
	require.NoError(t, err)

	msgs := p.Messages()
	msgs[0].Topic = "mutated"

	assert.Equal(t, "t", p.Messages()[0].Topic)
}
