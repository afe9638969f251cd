// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>agentdht conductor status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}

    table.cells th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>agentdht conductor</h3>

<table>
  <tr>
    <td>URL:</td>
    <td>{{.URL}}</td>
  </tr>
  <tr>
    <td>Data dir:</td>
    <td>{{.DataDir}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Started:</td>
    <td>{{.Started}}</td>
  </tr>
  <tr>
    <td>Metrics:</td>
    <td><a href="/metrics">/metrics</a></td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Inbound Requests</caption>
  <tr>
    <th>Kind</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .Inbound}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

{{range .Spaces}}
<br>
<table class="status">
  <caption>Space {{.Name}} ({{.Dna}})</caption>
  <tr>
    <th>Peers</th>
    <th>Fetch queue</th>
    <th>Unpublished</th>
    <th>Ops by stage</th>
  </tr>
  <tr>
    <td>{{.Peers}}</td>
    <td>{{.FetchQueue}}</td>
    <td>{{.Unpublished}}</td>
    <td>{{range $stage, $n := .Stages}}{{$stage}}={{$n}} {{end}}</td>
  </tr>
</table>
<table class="status cells">
  <tr>
    <th>Agent</th>
    <th>Head seq</th>
    <th>Head</th>
    <th>Arq</th>
  </tr>
  {{range .Cells}}
  <tr>
    <td>{{.Agent}}</td>
    <td>{{.HeadSeq}}</td>
    <td>{{.Head}}</td>
    <td>{{.Arq}}</td>
  </tr>
  {{end}}
</table>
{{end}}

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusData is what the status page shows.
type StatusData struct {
	URL      string
	DataDir  string
	FreeMem  uint64
	TotalMem uint64
	Started  time.Time

	Inbound map[string]string
	Spaces  []SpaceStatus
	Now     time.Time
}

// SpaceStatus describes one space.
type SpaceStatus struct {
	Dna         string
	Name        string
	Peers       int
	FetchQueue  int
	Unpublished int
	Stages      map[string]int
	Cells       []CellStatus
}

// CellStatus describes one cell.
type CellStatus struct {
	Agent   string
	HeadSeq uint32
	Head    string
	Arq     string
}

func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	funcMap        = template.FuncMap{"byteToMB": byteToMB}
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// ServeHTTP serves the status page. If the "Accept" header is
// "application/json" it sends json, otherwise html.
func (c *Conductor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	status := c.Status(r.Context())
	var b bytes.Buffer
	var err error
	contentType := "text/html"
	if r.Header.Get("Accept") == "application/json" {
		contentType = "application/json"
		err = json.NewEncoder(&b).Encode(status)
	} else {
		err = statusTemplate.Execute(&b, status)
	}
	if err != nil {
		e := fmt.Sprintf("failed to encode status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(b.Bytes())
}

// Status collects the status of the conductor. Parts that fail to load
// are left empty and logged.
func (c *Conductor) Status(ctx context.Context) StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}
	kinds := make([]string, len(inboundKinds))
	for i, k := range inboundKinds {
		kinds[i] = k.String()
	}
	out := StatusData{
		URL:      c.tr.URL(),
		DataDir:  c.cfg.DataDir,
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		Started:  c.started,
		Inbound:  inboundOps.Strings(kinds...),
		Now:      time.Now(),
	}
	for _, sp := range c.spaceList() {
		out.Spaces = append(out.Spaces, sp.status(ctx))
	}
	return out
}

func (s *space) status(ctx context.Context) SpaceStatus {
	st := SpaceStatus{
		Dna:        s.dna.String(),
		Name:       s.def.Name,
		FetchQueue: s.pool.Len(),
		Stages:     make(map[string]int),
	}
	if peers, err := s.peers.All(ctx); err != nil {
		log.Errorf("status: peers of %s: %s", s.dna.Short(), err)
	} else {
		st.Peers = len(peers)
	}
	if counts, err := s.flow.Counts(ctx); err != nil {
		log.Errorf("status: op counts of %s: %s", s.dna.Short(), err)
	} else {
		for stage, n := range counts {
			st.Stages[stage.String()] = n
		}
	}
	s.lock.Lock()
	st.Unpublished = len(s.unpublished)
	s.lock.Unlock()
	for _, cell := range s.cellList() {
		cs := CellStatus{Agent: cell.agent.String(), Arq: cell.Arq().String()}
		if head, err := cell.chain.Head(ctx); err != nil {
			log.Errorf("status: head of %s: %s", cell.agent.Short(), err)
		} else {
			cs.HeadSeq = head.Seq
			cs.Head = head.Hash.String()
		}
		st.Cells = append(st.Cells, cs)
	}
	return st
}
