// Package instance is the handle a test holds for one ready instance of the service under test.
package instance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/circleci/harness/httpclient"
	"github.com/circleci/harness/o11y"
)

// Process is the part of a launched process an Instance exposes. It is not owned by the
// Instance, the supervisor that launched it is responsible for reaping it.
type Process interface {
	Poll() (code int, exited bool)
	Terminate() error
	Wait() int
	Logs() string
}

const requestTimeout = 5 * time.Second

type Instance struct {
	id     int
	port   int
	proc   Process
	client *httpclient.Client
}

// New returns the handle for instance id, listening on port of localhost.
func New(id, port int, proc Process) *Instance {
	return &Instance{
		id:   id,
		port: port,
		proc: proc,
		client: httpclient.New(httpclient.Config{
			Name:       "instance-" + strconv.Itoa(id),
			BaseURL:    "http://localhost:" + strconv.Itoa(port),
			AcceptType: httpclient.JSON,
			Timeout:    10 * time.Second,
		}),
	}
}

func (i *Instance) ID() int {
	return i.id
}

func (i *Instance) Port() int {
	return i.port
}

// URI is the base URL of the instance's HTTP API, eg. for passing to ClusterAddNode on
// another instance.
func (i *Instance) URI() string {
	return i.client.BaseURL()
}

func (i *Instance) String() string {
	return fmt.Sprintf("instance-%d (%s)", i.id, i.URI())
}

// Status fetches GET /status.
func (i *Instance) Status(ctx context.Context) (map[string]interface{}, error) {
	return i.getJSON(ctx, "/status")
}

// ClusterStatus fetches GET /cluster/status.
func (i *Instance) ClusterStatus(ctx context.Context) (map[string]interface{}, error) {
	return i.getJSON(ctx, "/cluster/status")
}

// ClusterAddNode asks the instance to join the node at uri to its cluster.
func (i *Instance) ClusterAddNode(ctx context.Context, uri string) (resp map[string]interface{}, err error) {
	ctx, span := o11y.StartSpan(ctx, "instance: cluster add node")
	defer o11y.End(span, &err)
	span.AddField("instance", i.id)
	span.AddField("node", uri)

	req := httpclient.NewRequest(http.MethodPost, "/cluster/nodes", requestTimeout)
	req.Body = uri
	return i.call(ctx, req)
}

// UtilsWait is the liveness probe, made once the instance has handshaken. It is not retried,
// so callers are expected to bound it themselves.
func (i *Instance) UtilsWait(ctx context.Context) error {
	req := httpclient.NewRequest(http.MethodGet, "/utils/wait", requestTimeout)
	req.NoRetry = true
	err := i.client.Call(ctx, req)
	if httpclient.IsNoContent(err) {
		return nil
	}
	return err
}

// Poll reports whether the instance's process has exited, and its exit code if so.
func (i *Instance) Poll() (code int, exited bool) {
	return i.proc.Poll()
}

func (i *Instance) Terminate() error {
	return i.proc.Terminate()
}

func (i *Instance) Wait() int {
	return i.proc.Wait()
}

// Logs is everything the instance has written to stdout and stderr so far.
func (i *Instance) Logs() string {
	return i.proc.Logs()
}

func (i *Instance) getJSON(ctx context.Context, route string) (map[string]interface{}, error) {
	return i.call(ctx, httpclient.NewRequest(http.MethodGet, route, requestTimeout))
}

func (i *Instance) call(ctx context.Context, req httpclient.Request) (map[string]interface{}, error) {
	resp := map[string]interface{}{}
	req.Decoder = httpclient.NewJSONDecoder(&resp)
	err := i.client.Call(ctx, req)
	if httpclient.IsNoContent(err) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
