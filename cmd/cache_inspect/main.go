package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"case-chat/internal/cache"
	"case-chat/internal/config"
	"case-chat/internal/db"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	driver := flag.String("driver", cfg.LocalStoreDriver, "Local store driver (redis or badger)")
	badgerPath := flag.String("db", cfg.BadgerPath, "Path to badger DB")
	sweep := flag.Bool("sweep", false, "Remove expired entries before listing")
	flag.Parse()
	cfg.LocalStoreDriver = *driver
	cfg.BadgerPath = *badgerPath

	ctx := context.Background()
	store, closeStore, err := db.OpenLocalStore(ctx, cfg, zap.NewNop())
	if err != nil {
		log.Fatal("Error while opening local store: ", err)
	}
	defer closeStore()

	engine := cache.New(zap.NewNop(), store, cache.Options{})
	if *sweep {
		removed, err := engine.Sweep(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("swept %d expired entries\n", removed)
	}

	keys, err := engine.Keys(ctx)
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Type", "Items", "Has More", "Total", "Expires", "Detail"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	prefix := engine.Options().KeyPrefix
	for _, key := range keys {
		kind, id, _ := strings.Cut(strings.TrimPrefix(key, prefix), ":")
		switch kind {
		case "messages":
			snap, ok := engine.Get(ctx, id)
			if !ok {
				table.Append([]string{key, "WINDOW", "-", "-", "-", "expired", ""})
				continue
			}
			detail := ""
			if n := len(snap.Messages); n > 0 {
				last := snap.Messages[n-1]
				detail = fmt.Sprintf("%s: %s", last.SenderName, last.Content)
			}
			table.Append([]string{
				key,
				"WINDOW",
				strconv.Itoa(len(snap.Messages)),
				strconv.FormatBool(snap.HasMore),
				strconv.Itoa(snap.TotalCount),
				time.UnixMilli(snap.ExpiresAt).Format("15:04:05"),
				truncate(detail, 60),
			})
		case "conversations":
			list, ok := engine.GetConversationList(ctx, id)
			if !ok {
				table.Append([]string{key, "PREVIEWS", "-", "-", "-", "expired", ""})
				continue
			}
			refs := make([]string, 0, len(list))
			for _, c := range list {
				refs = append(refs, c.CaseReference)
			}
			table.Append([]string{key, "PREVIEWS", strconv.Itoa(len(list)), "", "", "", truncate(strings.Join(refs, ","), 60)})
		default:
			table.Append([]string{key, "UNKNOWN", "", "", "", "", ""})
		}
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
