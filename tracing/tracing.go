// Package tracing installs the global opentracing tracer the flows,
// notary and resolver spans report to.
package tracing

import (
	"io"

	logging "github.com/ipfs/go-log"
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.elastic.co/apm/module/apmot"
)

var log = logging.Logger("tracing")

var Enabled bool

var jaegerCloser io.Closer

// StartElastic bridges spans to the Elastic APM agent, which is
// configured by the ELASTIC_APM_* environment.
func StartElastic() {
	Enabled = true
	opentracing.SetGlobalTracer(apmot.New())
	log.Infof("tracing to elastic apm")
}

// ServiceName is the jaeger service every accounts node reports as,
// suffixed with the node's namespace when it has one.
func ServiceName(namespace string) string {
	if namespace == "" {
		return "tupelo-accounts"
	}
	return "tupelo-accounts-" + namespace
}

// StartJaeger configures jaeger from the JAEGER_* environment and samples
// every span. Spans carry the reporting node's id as the "node" tag so
// one run can be followed across hosts.
func StartJaeger(serviceName string, nodeID string) {
	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Errorf("could not parse jaeger env vars: %v", err)
		return
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}
	cfg.Sampler.Type = jaeger.SamplerTypeConst
	cfg.Sampler.Param = 1
	cfg.Tags = append(cfg.Tags, opentracing.Tag{Key: "node", Value: nodeID})

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		log.Errorf("could not initialize jaeger tracer: %v", err)
		return
	}
	Enabled = true
	jaegerCloser = closer
	opentracing.SetGlobalTracer(tracer)
	log.Infof("tracing to jaeger as %s", cfg.ServiceName)
}

func StopJaeger() {
	if jaegerCloser == nil {
		return
	}
	Enabled = false
	if err := jaegerCloser.Close(); err != nil {
		log.Warningf("error closing jaeger: %v", err)
	}
	jaegerCloser = nil
}
