package ingest

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/podcore/internal/fetch"
	"github.com/Harvey-AU/podcore/internal/jobs"
)

const pageURL = "https://show.example.com/"

func htmlResponse(url, body string) *fetch.Response {
	return &fetch.Response{StatusCode: http.StatusOK, Body: []byte(body), FinalURL: url, ContentType: "text/html; charset=utf-8"}
}

func expectNewPodcastFromOneEpisodeFeed(mock sqlmock.Sqlmock, url string, id int64) {
	mock.ExpectBegin()
	expectFeedLock(mock, url)
	expectNoPodcastFor(mock, url)
	mock.ExpectQuery("INSERT INTO podcast").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
	mock.ExpectExec("INSERT INTO podcast_feed_location").
		WithArgs(id, url, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO podcast_feed_content").WillReturnResult(sqlmock.NewResult(1, 1))
	expectOneEpisode(mock, id)
	mock.ExpectExec("DELETE FROM podcast_exception").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
}

func TestAddPodcast_DirectFeedIsFetchedOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: map[string]*fetch.Response{feedURL: feedResponse(feedURL, oneEpisodeFeed)}}
	ing, mock := newTestIngester(t, f)

	expectNoPodcastFor(mock, feedURL)
	expectNewPodcastFromOneEpisodeFeed(mock, feedURL, 11)

	res, err := ing.AddPodcast(context.Background(), feedURL)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.PodcastID)
	assert.True(t, res.Created)
	assert.Equal(t, []string{feedURL}, f.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPodcast_DiscoversFeedFromPage(t *testing.T) {
	t.Parallel()

	page := `<html><head>
		<link rel="alternate" type="application/rss+xml" href="/feed.xml">
		<link rel="alternate" type="application/rss+xml" href="/other.xml">
	</head><body></body></html>`
	f := &fakeFetcher{responses: map[string]*fetch.Response{
		pageURL: htmlResponse(pageURL, page),
		feedURL: feedResponse(feedURL, oneEpisodeFeed),
	}}
	ing, mock := newTestIngester(t, f)

	expectNoPodcastFor(mock, feedURL)
	expectNewPodcastFromOneEpisodeFeed(mock, feedURL, 12)

	res, err := ing.AddPodcast(context.Background(), pageURL)
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.PodcastID)
	assert.Equal(t, []string{pageURL, feedURL}, f.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPodcast_PageWithoutFeed(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: map[string]*fetch.Response{
		pageURL: htmlResponse(pageURL, `<html><head><title>Nothing here</title></head></html>`),
	}}
	ing, mock := newTestIngester(t, f)

	_, err := ing.AddPodcast(context.Background(), pageURL)
	assert.ErrorIs(t, err, ErrNoFeedFound)
	assert.True(t, jobs.IsPermanent(classify(err)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPodcast_BadStatus(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: map[string]*fetch.Response{
		pageURL: {StatusCode: http.StatusInternalServerError, FinalURL: pageURL},
	}}
	ing, _ := newTestIngester(t, f)

	_, err := ing.AddPodcast(context.Background(), pageURL)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "unexpected status 500 fetching "+pageURL, err.Error())
	assert.False(t, jobs.IsPermanent(classify(err)))
}

func TestAddPodcast_NormalisesPastedURL(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: map[string]*fetch.Response{feedURL: feedResponse(feedURL, oneEpisodeFeed)}}
	ing, mock := newTestIngester(t, f)

	expectNoPodcastFor(mock, feedURL)
	expectNewPodcastFromOneEpisodeFeed(mock, feedURL, 13)

	_, err := ing.AddPodcast(context.Background(), "  feed:HTTPS://Show.Example.com:443/feed.xml#top ")
	require.NoError(t, err)
	assert.Equal(t, []string{feedURL}, f.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPodcast_UnsupportedSchemeIsPermanent(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	ing, _ := newTestIngester(t, f)

	_, err := ing.AddPodcast(context.Background(), "ftp://show.example.com/feed.xml")
	assert.ErrorIs(t, err, fetch.ErrInvalidURL)
	assert.True(t, jobs.IsPermanent(classify(err)))
	assert.Empty(t, f.calls)
}
