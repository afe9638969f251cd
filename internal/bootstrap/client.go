// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package bootstrap talks to a bootstrap service, which keeps signed agent
// infos per space so that new agents can find their first peers.
//
// Requests are POSTs of a msgpack body to the service URL. The X-Op header
// names the operation: "put" uploads one AgentInfoSigned, "random" sends a
// RandomQuery and gets back a list of encoded AgentInfoSigned.
package bootstrap

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

const (
	opHeader = "X-Op"
	opPut    = "put"
	opRandom = "random"

	contentType = "application/octet-stream"

	// maxReply bounds what we read back from the service.
	maxReply = 16 << 20
)

var requests = server.NewOpMetric("bootstrap", "requests", "op")

// RandomQuery asks for up to Limit random agents of Space.
type RandomQuery struct {
	_msgpack struct{} `msgpack:",as_array"`
	Space    core.DnaHash
	Limit    uint32
}

// Client talks to one bootstrap service.
type Client struct {
	url string
	cli http.Client
}

// NewClient returns a client of the service at cfg.URL.
func NewClient(cfg Config) *Client {
	return &Client{url: cfg.URL, cli: http.Client{Timeout: cfg.HTTPTimeout}}
}

// Put uploads a signed agent info.
func (c *Client) Put(ctx context.Context, info *peerstore.AgentInfoSigned) (err error) {
	op := requests.Start(opPut)
	defer func() { op.EndWithError(err) }()

	body, err := info.Encode()
	if err != nil {
		return err
	}
	_, err = c.post(ctx, opPut, body)
	return err
}

// Random returns up to 'limit' random agents of 'space'. Infos that don't
// verify, belong to another space or expired are dropped.
func (c *Client) Random(ctx context.Context, space core.DnaHash, limit int) (out []*peerstore.AgentInfoSigned, err error) {
	op := requests.Start(opRandom)
	defer func() { op.EndWithError(err) }()

	body, err := wire.Encode(RandomQuery{Space: space, Limit: uint32(limit)})
	if err != nil {
		return nil, err
	}
	reply, err := c.post(ctx, opRandom, body)
	if err != nil {
		return nil, err
	}
	var encoded [][]byte
	if err := wire.Decode(reply, &encoded); err != nil {
		return nil, err
	}
	for _, b := range encoded {
		info, err := peerstore.DecodeSigned(b)
		if err != nil {
			log.Warningf("bootstrap: dropping agent info from %s: %s", c.url, err)
			continue
		}
		if info.Info.Space != space {
			log.Warningf("bootstrap: dropping %s, asked for space %s", info, space.Short())
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(opHeader, op)
	req.Header.Set("Content-Type", contentType)
	resp, err := c.cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.FromContextError(ctx.Err())
		}
		return nil, core.ErrPeerUnreachable.Errorf("bootstrap %s: %s", op, err)
	}
	defer func() {
		io.Copy(ioutil.Discard, resp.Body)
		resp.Body.Close()
	}()
	reply, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxReply))
	if err != nil {
		return nil, core.ErrPeerUnreachable.Errorf("bootstrap %s: %s", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.ErrPeerUnreachable.Errorf("bootstrap %s: %s: %s", op, resp.Status, bytes.TrimSpace(reply))
	}
	return reply, nil
}
