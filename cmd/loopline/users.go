package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(uploadCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the user roster with presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		client, session, _ := newRestClient(log)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		users, err := client.FetchUsers(ctx)
		if err != nil {
			return fmt.Errorf("fetch users: %w", err)
		}
		for _, u := range users {
			mark := " "
			if u.Online {
				mark = "*"
			}
			self := ""
			if u.ID == session.UserID {
				self = " (you)"
			}
			fmt.Printf("%s %s  %s%s\n", mark, u.ID, u.DisplayName, self)
		}
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file and print its media descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		client, _, _ := newRestClient(log)

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		media, err := client.UploadFile(ctx, filepath.Base(args[0]), data)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		fmt.Printf("url:  %s\nkind: %s\nname: %s\n", media.URL, media.Kind, media.FileName)
		return nil
	},
}
