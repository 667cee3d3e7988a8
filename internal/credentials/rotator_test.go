package credentials

import (
	"sync"
	"testing"

	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/stretchr/testify/require"
)

func TestRotatorCycles(t *testing.T) {
	r, err := NewRotator([]models.CredentialSet{
		{ClientID: "a", ClientSecret: "sa"},
		{ClientID: "b", ClientSecret: "sb"},
		{ClientID: "c", ClientSecret: "sc"},
	})
	require.NoError(t, err)
	require.Equal(t, "a", r.Current().ClientID)

	want := []string{"b", "c", "a", "b"}
	for i, id := range want {
		got := r.Next()
		require.Equalf(t, id, got.ClientID, "rotation #%d", i)
		require.Equal(t, got, r.Current())
	}
	require.Equal(t, 1, r.Index())
}

func TestRotatorSingleSetIsNoop(t *testing.T) {
	r, err := NewRotator([]models.CredentialSet{{ClientID: "only", ClientSecret: "s"}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, "only", r.Next().ClientID)
	}
	require.Equal(t, 0, r.Index())
	require.Equal(t, 1, r.Len())
}

func TestRotatorSkipsIncompleteSets(t *testing.T) {
	r, err := NewRotator([]models.CredentialSet{
		{ClientID: "", ClientSecret: "x"},
		{ClientID: "b", ClientSecret: "sb"},
		{ClientID: "c"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())
	require.Equal(t, "b", r.Current().ClientID)
}

func TestRotatorRequiresCredentials(t *testing.T) {
	_, err := NewRotator(nil)
	require.Error(t, err)
}

func TestRotatorConcurrentNext(t *testing.T) {
	r, err := NewRotator([]models.CredentialSet{
		{ClientID: "a", ClientSecret: "sa"},
		{ClientID: "b", ClientSecret: "sb"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Next()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, r.Index())
}
