package dhtcrawl

import "expvar"

// Counters published through expvar: plain process-wide counters, no
// third-party metrics client. Visible at /debug/vars when the embedding
// process serves the default HTTP mux.
var (
	totalSentPing            = expvar.NewInt("dhtcrawl.totalSentPing")
	totalSentFindNode        = expvar.NewInt("dhtcrawl.totalSentFindNode")
	totalSentGetPeers        = expvar.NewInt("dhtcrawl.totalSentGetPeers")
	totalSentAnnouncePeer    = expvar.NewInt("dhtcrawl.totalSentAnnouncePeer")
	totalRecvQuery           = expvar.NewInt("dhtcrawl.totalRecvQuery")
	totalRecvResponse        = expvar.NewInt("dhtcrawl.totalRecvResponse")
	totalRecvError           = expvar.NewInt("dhtcrawl.totalRecvError")
	totalRecvPing            = expvar.NewInt("dhtcrawl.totalRecvPing")
	totalRecvFindNode        = expvar.NewInt("dhtcrawl.totalRecvFindNode")
	totalRecvGetPeers        = expvar.NewInt("dhtcrawl.totalRecvGetPeers")
	totalRecvAnnouncePeer    = expvar.NewInt("dhtcrawl.totalRecvAnnouncePeer")
	totalInfoHashesHarvested = expvar.NewInt("dhtcrawl.totalInfoHashesHarvested")
	totalInfoHashesDeduped   = expvar.NewInt("dhtcrawl.totalInfoHashesDeduped")
	totalBadTokens           = expvar.NewInt("dhtcrawl.totalBadTokens")
	totalUnknownMethods      = expvar.NewInt("dhtcrawl.totalUnknownMethods")
	totalMalformed           = expvar.NewInt("dhtcrawl.totalMalformed")
	totalDroppedOversized    = expvar.NewInt("dhtcrawl.totalDroppedOversized")
	totalDroppedRateLimited  = expvar.NewInt("dhtcrawl.totalDroppedRateLimited")
	totalDroppedStrayReply   = expvar.NewInt("dhtcrawl.totalDroppedStrayReply")
	totalTransactionTimeouts = expvar.NewInt("dhtcrawl.totalTransactionTimeouts")
	totalLookupsStarted      = expvar.NewInt("dhtcrawl.totalLookupsStarted")
	totalLookupsCompleted    = expvar.NewInt("dhtcrawl.totalLookupsCompleted")
	totalBootstrapFailures   = expvar.NewInt("dhtcrawl.totalBootstrapFailures")
)
