// skiffctl inspects a cluster through a skiff connection handle: cluster
// metadata, partition offsets, and consumer groups.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/skiff-io/skiff"
	"github.com/skiff-io/skiff/internal/logging"
	"github.com/skiff-io/skiff/internal/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "metadata":
		runMetadata(os.Args[2:])
	case "offsets":
		runOffsets(os.Args[2:])
	case "groups":
		runGroups(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("skiffctl version %s (built %s)\n", version, buildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: skiffctl <command> [options]

Commands:
  metadata    Show brokers and topic-partition leaders
  offsets     Show earliest/latest offsets for a topic
  groups      List consumer groups across all brokers
  version     Print version information

Run 'skiffctl <command> --help' for more information on a command.`)
}

// commonFlags registers the flags every subcommand shares.
type commonFlags struct {
	configPath  string
	brokers     string
	logLevel    string
	metricsAddr string
	timeout     time.Duration
}

func (cf *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&cf.configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&cf.brokers, "brokers", "", "Comma-separated bootstrap servers (overrides config)")
	fs.StringVar(&cf.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&cf.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.DurationVar(&cf.timeout, "timeout", 30*time.Second, "Overall command timeout")
}

func (cf *commonFlags) connect() (*skiff.Conn, context.Context, context.CancelFunc, error) {
	cfg := skiff.DefaultConfig()
	if cf.configPath != "" {
		loaded, err := skiff.LoadConfig(cf.configPath)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg = loaded
	}
	if cf.brokers != "" {
		cfg.BootstrapServers = strings.Split(cf.brokers, ",")
	}
	if cf.logLevel != "" {
		cfg.Observability.LogLevel = cf.logLevel
	}
	if len(cfg.BootstrapServers) == 0 {
		return nil, nil, nil, fmt.Errorf("no bootstrap servers: use -brokers or a config file")
	}

	logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	var reqMetrics *metrics.RequestMetrics
	var connMetrics *metrics.ConnectionMetrics
	if addr := firstNonEmpty(cf.metricsAddr, cfg.Observability.MetricsAddr); addr != "" {
		reqMetrics = metrics.NewRequestMetrics()
		connMetrics = metrics.NewConnectionMetrics()
		if _, _, err := metrics.Serve(addr, nil, nil); err != nil {
			return nil, nil, nil, fmt.Errorf("serve metrics: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
	conn, err := skiff.New(cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	conn.WithMetrics(reqMetrics, connMetrics)
	if err := conn.Connect(ctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return conn, ctx, cancel, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "skiffctl: %v\n", err)
	os.Exit(1)
}

func runMetadata(args []string) {
	fs := flag.NewFlagSet("metadata", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	topics := fs.String("topics", "", "Comma-separated topics (default: all)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	conn, ctx, cancel, err := cf.connect()
	if err != nil {
		fatal(err)
	}
	defer cancel()
	defer conn.Close()

	var names []string
	if *topics != "" {
		names = strings.Split(*topics, ",")
	}
	md, err := conn.GetMetadata(ctx, names...)
	if err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BROKER\tADDRESS")
	for _, b := range md.Brokers {
		fmt.Fprintf(w, "%d\t%s:%d\n", b.NodeID, b.Host, b.Port)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TOPIC\tPARTITION\tLEADER\tERROR")
	sort.Slice(md.Topics, func(i, j int) bool {
		return topicName(md.Topics[i]) < topicName(md.Topics[j])
	})
	for _, t := range md.Topics {
		name := topicName(t)
		for _, p := range t.Partitions {
			errStr := "-"
			if ke := kerr.TypedErrorForCode(p.ErrorCode); ke != nil {
				errStr = ke.Message
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", name, p.Partition, p.Leader, errStr)
		}
	}
	w.Flush()
}

func topicName(t kmsg.MetadataResponseTopic) string {
	if t.Topic == nil {
		return ""
	}
	return *t.Topic
}

func runOffsets(args []string) {
	fs := flag.NewFlagSet("offsets", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	topic := fs.String("topic", "", "Topic to list offsets for (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *topic == "" {
		fatal(fmt.Errorf("offsets: -topic is required"))
	}

	conn, ctx, cancel, err := cf.connect()
	if err != nil {
		fatal(err)
	}
	defer cancel()
	defer conn.Close()

	md, err := conn.GetMetadata(ctx, *topic)
	if err != nil {
		fatal(err)
	}
	var partitions []int32
	for _, t := range md.Topics {
		if topicName(t) != *topic {
			continue
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.Partition)
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	earliest, err := listOffsets(ctx, conn, *topic, partitions, -2)
	if err != nil {
		fatal(err)
	}
	latest, err := listOffsets(ctx, conn, *topic, partitions, -1)
	if err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tEARLIEST\tLATEST")
	for _, p := range partitions {
		fmt.Fprintf(w, "%d\t%d\t%d\n", p, earliest[p], latest[p])
	}
	w.Flush()
}

func listOffsets(ctx context.Context, conn *skiff.Conn, topic string, partitions []int32, ts int64) (map[int32]int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic
	for _, p := range partitions {
		part := kmsg.NewListOffsetsRequestTopicPartition()
		part.Partition = p
		part.Timestamp = ts
		rt.Partitions = append(rt.Partitions, part)
	}
	req.Topics = append(req.Topics, rt)

	resp, err := conn.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	lr, ok := resp.(*kmsg.ListOffsetsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", resp)
	}

	out := make(map[int32]int64, len(partitions))
	for _, t := range lr.Topics {
		for _, p := range t.Partitions {
			out[p.Partition] = p.Offset
		}
	}
	return out, nil
}

func runGroups(args []string) {
	fs := flag.NewFlagSet("groups", flag.ExitOnError)
	var cf commonFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	conn, ctx, cancel, err := cf.connect()
	if err != nil {
		fatal(err)
	}
	defer cancel()
	defer conn.Close()

	// The all-brokers fan-out discovers the broker set on first miss.
	resp, err := conn.Send(ctx, kmsg.NewPtrListGroupsRequest())
	if err != nil {
		fatal(err)
	}
	lg, ok := resp.(*kmsg.ListGroupsResponse)
	if !ok {
		fatal(fmt.Errorf("unexpected response type %T", resp))
	}
	if ke := kerr.ErrorForCode(lg.ErrorCode); ke != nil {
		fatal(ke)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tPROTOCOL TYPE")
	sort.Slice(lg.Groups, func(i, j int) bool { return lg.Groups[i].Group < lg.Groups[j].Group })
	for _, g := range lg.Groups {
		fmt.Fprintf(w, "%s\t%s\n", g.Group, g.ProtocolType)
	}
	w.Flush()
}
