package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"case-chat/internal/cache"
	"case-chat/internal/config"
	"case-chat/internal/db"
	"case-chat/internal/domain"
	"case-chat/internal/pagination"
	"case-chat/internal/repository"
	"case-chat/internal/service"
)

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample(zap.IncreaseLevel(zap.WarnLevel))
	defer logger.Sync()

	remote, closeRemote, err := db.OpenRealtime(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer closeRemote()
	local, closeLocal, err := db.OpenLocalStore(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLocal()

	engine := cache.New(logger, local, cache.Options{MaxWindow: cfg.CacheMaxWindow})
	syncSvc := service.NewSyncService(logger,
		repository.NewRealtimeMessageRepository(remote),
		repository.NewRealtimeConversationRepository(remote),
		engine,
		service.SyncConfig{RemoteTimeout: cfg.RemoteTimeout, LiveWindowSize: cfg.LiveWindowSize},
	)
	outbox := service.NewOutbox(logger, syncSvc)
	defer outbox.Wait()

	color.Cyan.Println("===== Chat de casos =====")
	user := service.SessionUser{
		ID:   prompt(reader, "Tu ID de usuario: "),
		Name: prompt(reader, "Tu nombre: "),
		Role: readRole(reader),
	}

	for {
		conversationID := chooseConversation(ctx, reader, syncSvc, user)
		if conversationID == "" {
			return
		}
		if err := chatFlow(ctx, reader, syncSvc, outbox, conversationID, user, cfg); err != nil {
			color.Red.Printf("Error en chat: %v\n", err)
		}
	}
}

func prompt(reader *bufio.Reader, label string) string {
	for {
		fmt.Print(label)
		line, err := reader.ReadString('\n')
		if err != nil {
			os.Exit(0)
		}
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
}

func readRole(reader *bufio.Reader) domain.SenderRole {
	for {
		switch strings.ToLower(prompt(reader, "Rol [client/agent/admin]: ")) {
		case "client", "c":
			return domain.RoleClient
		case "agent", "a":
			return domain.RoleAgent
		case "admin":
			return domain.RoleAdmin
		}
		fmt.Println("Rol invalido.")
	}
}

// chooseConversation devuelve "" si el usuario quiere salir.
func chooseConversation(ctx context.Context, reader *bufio.Reader, syncSvc *service.SyncService, user service.SessionUser) string {
	for {
		list, err := syncSvc.ListConversations(ctx, user.ID)
		if err != nil {
			color.Red.Printf("listar conversaciones: %v\n", err)
		}
		fmt.Println("\nConversaciones:")
		for i, c := range list {
			unread := ""
			if c.UnreadCount > 0 {
				unread = color.Yellow.Sprintf(" (%d sin leer)", c.UnreadCount)
			}
			fmt.Printf("[%d] %s %s%s\n", i+1, c.CaseReference, truncate(c.LastMessage, 40), unread)
		}
		if user.Role != domain.RoleClient {
			fmt.Println("[N] Nueva conversacion")
		}
		fmt.Println("[S] Salir")

		choice := prompt(reader, "Selecciona: ")
		switch {
		case strings.EqualFold(choice, "S"):
			return ""
		case strings.EqualFold(choice, "N") && user.Role != domain.RoleClient:
			in := service.InitializeInput{
				ConversationID: prompt(reader, "ID de la conversacion: "),
				CaseReference:  prompt(reader, "Referencia del caso: "),
				ClientID:       prompt(reader, "ID del cliente: "),
				ClientName:     prompt(reader, "Nombre del cliente: "),
				AgentID:        user.ID,
				AgentName:      user.Name,
			}
			if !syncSvc.InitializeConversation(ctx, in) {
				color.Red.Println("No se pudo inicializar la conversacion.")
				continue
			}
			return in.ConversationID
		default:
			var idx int
			if _, err := fmt.Sscan(choice, &idx); err != nil || idx < 1 || idx > len(list) {
				fmt.Println("Seleccion invalida.")
				continue
			}
			return list[idx-1].ID
		}
	}
}

// printer muestra cada mensaje una sola vez, en orden de llegada al estado.
type printer struct {
	mu     sync.Mutex
	userID string
	shown  map[string]domain.MessageStatus
}

func (p *printer) onChange(state pagination.State[domain.Message]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range state.Items {
		key := m.TempID
		if key == "" {
			key = m.ID
		}
		prev, seen := p.shown[key]
		if seen && prev == m.Status {
			continue
		}
		p.shown[key] = m.Status
		if seen || m.SenderID == p.userID {
			if m.Status == domain.StatusFailed {
				color.Red.Printf("\r! no enviado [%s]: %s\n", key, m.Error)
			}
			continue
		}
		ts := time.UnixMilli(m.Timestamp).Format("15:04")
		color.Green.Printf("\r%s %s > %s\n", ts, m.SenderName, m.Content)
	}
}

func chatFlow(ctx context.Context, reader *bufio.Reader, syncSvc *service.SyncService, outbox *service.Outbox, conversationID string, user service.SessionUser, cfg *config.Config) error {
	p := &printer{userID: user.ID, shown: make(map[string]domain.MessageStatus)}
	session, err := service.OpenSession(ctx, syncSvc, outbox, conversationID, user, service.SessionOptions{
		PageSize:    cfg.PageSize,
		KeepOnClose: cfg.KeepOnClose,
		OnChange:    p.onChange,
	})
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	if _, err := session.MarkRead(ctx); err != nil {
		color.Yellow.Printf("marcar leidos: %v\n", err)
	}

	color.Cyan.Println("---- Modo Chat (/mas, /refrescar, /reintentar <id>, /borrar <id>, salir) ----")
	for {
		text, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("leer input: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(text, " ")
		switch strings.ToLower(cmd) {
		case "salir", "exit":
			fmt.Println("Saliendo del chat...")
			return nil
		case "/mas":
			if err := session.LoadMore(ctx); err != nil {
				color.Red.Printf("cargar anteriores: %v\n", err)
			}
			printHistory(session.State())
		case "/refrescar":
			if err := session.Refresh(ctx); err != nil {
				color.Red.Printf("refrescar: %v\n", err)
			}
		case "/reintentar":
			if err := session.Retry(ctx, strings.TrimSpace(arg)); err != nil {
				color.Red.Printf("reintentar: %v\n", err)
			}
		case "/borrar":
			if err := session.DeleteFailed(ctx, strings.TrimSpace(arg)); err != nil {
				color.Red.Printf("borrar: %v\n", err)
			}
		default:
			if _, err := session.Send(ctx, text, nil); err != nil {
				color.Red.Printf("enviar: %v\n", err)
			}
		}
	}
}

func printHistory(state pagination.State[domain.Message]) {
	color.Gray.Printf("-- %d de %d mensajes --\n", len(state.Items), state.TotalCount)
	for _, m := range state.Items {
		ts := time.UnixMilli(m.Timestamp).Format("02/01 15:04")
		fmt.Printf("%s %s > %s\n", ts, m.SenderName, m.Content)
	}
	if !state.HasMore {
		color.Gray.Println("-- inicio de la conversacion --")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
