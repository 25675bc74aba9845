package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"agentmarket/internal/inft"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/spf13/pflag"
)

const ruleArchiveID = "agentmarket_inference_logs_expire"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ossctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		endpoint        string
		accessKeyID     string
		accessKeySecret string
		bucketName      string
		basePrefix      string
		archiveDays     int
		apply           bool
		list            int
	)
	flagSet := pflag.NewFlagSet("ossctl", pflag.ContinueOnError)
	flagSet.StringVar(&endpoint, "endpoint", strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_ENDPOINT")), "OSS endpoint, e.g. https://oss-cn-hangzhou.aliyuncs.com")
	flagSet.StringVar(&accessKeyID, "access-key-id", strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_ACCESS_KEY_ID")), "OSS access key id")
	flagSet.StringVar(&accessKeySecret, "access-key-secret", strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_ACCESS_KEY_SECRET")), "OSS access key secret")
	flagSet.StringVar(&bucketName, "bucket", strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_BUCKET")), "OSS bucket name")
	flagSet.StringVar(&basePrefix, "base-prefix", strings.Trim(strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_BASE_PREFIX")), "/"), "base prefix for all objects")
	flagSet.IntVar(&archiveDays, "archive-days", 365, "retention of archived inference logs (inference-logs/)")
	flagSet.BoolVar(&apply, "apply", false, "merge the lifecycle rule into the bucket; without it the rule is only printed")
	flagSet.IntVar(&list, "list", 0, "print up to N archived inference log objects and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if list > 0 {
		return listArchives(inft.StoreConfig{
			Provider:        "aliyun",
			Endpoint:        endpoint,
			Bucket:          bucketName,
			BasePrefix:      basePrefix,
			AccessKeyID:     accessKeyID,
			AccessKeySecret: accessKeySecret,
		}, list)
	}

	if archiveDays < 1 || archiveDays > 3650 {
		return errors.New("invalid --archive-days")
	}
	archivePrefix := inft.JoinKey(basePrefix, "inference-logs/")
	rule := oss.LifecycleRule{
		ID:     ruleArchiveID,
		Prefix: archivePrefix,
		Status: "Enabled",
		Expiration: &oss.LifecycleExpiration{
			Days: archiveDays,
		},
	}
	if !apply {
		fmt.Printf("would set rule %s: prefix=%s expire_days=%d (use --apply)\n", rule.ID, rule.Prefix, archiveDays)
		return nil
	}
	if endpoint == "" || accessKeyID == "" || accessKeySecret == "" || bucketName == "" {
		return errors.New("missing required OSS config (endpoint/access-key-id/access-key-secret/bucket)")
	}

	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return fmt.Errorf("oss client: %w", err)
	}

	existing, err := client.GetBucketLifecycle(bucketName)
	if err != nil {
		var srvErr oss.ServiceError
		if !errors.As(err, &srvErr) || srvErr.StatusCode != 404 {
			return fmt.Errorf("get lifecycle: %w", err)
		}
		// 404 NoSuchLifecycle: the bucket has no rules yet.
		existing = oss.GetBucketLifecycleResult{}
	}

	rules := make([]oss.LifecycleRule, 0, len(existing.Rules)+1)
	for _, r := range existing.Rules {
		if r.ID == ruleArchiveID {
			continue
		}
		rules = append(rules, r)
	}
	rules = append(rules, rule)

	if err := client.SetBucketLifecycle(bucketName, rules); err != nil {
		return fmt.Errorf("set lifecycle: %w", err)
	}
	fmt.Printf("lifecycle rule applied (bucket=%s prefix=%s days=%d)\n", bucketName, archivePrefix, archiveDays)
	return nil
}

func listArchives(cfg inft.StoreConfig, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := inft.NewObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	keys, err := store.List(ctx, "inference-logs/", limit)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	for _, k := range keys {
		fmt.Println(store.URI(k))
	}
	fmt.Printf("%d archive object(s)\n", len(keys))
	return nil
}
