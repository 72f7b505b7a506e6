//go:build e2e

package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"
)

func TestE2EMainFlow(t *testing.T) {
	server := startServer(t)
	defer server.Stop()

	pw, browser := setupPlaywright(t)
	defer func() { _ = pw.Stop() }()
	defer func() { _ = browser.Close() }()

	// 1. Create users via CLI first
	t.Log("Creating users via CLI...")
	aliceSetupLink := server.CreateUser(t, "alice")
	bobSetupLink := server.CreateUser(t, "bob")

	// 2. Register and log in Alice
	t.Log("Registering Alice...")
	aliceContext := createBrowserContext(t, browser)
	alicePage, err := aliceContext.NewPage()
	require.NoError(t, err)
	aliceSecret := registerUser(t, alicePage, aliceSetupLink, "password123")
	loginUser(t, alicePage, "alice", "password123", aliceSecret)

	// 3. Register and log in Bob
	t.Log("Registering Bob...")
	bobContext := createBrowserContext(t, browser)
	bobPage, err := bobContext.NewPage()
	require.NoError(t, err)
	bobSecret := registerUser(t, bobPage, bobSetupLink, "password456")
	loginUser(t, bobPage, "bob", "password456", bobSecret)

	// 4. Messaging Flow
	t.Log("Starting messaging flow...")

	t.Log("Alice selects Bob...")
	err = alicePage.Locator(".chat-item:has-text(\"bob\")").WaitFor(playwright.LocatorWaitForOptions{
		State: playwright.WaitForSelectorStateVisible,
	})
	require.NoError(t, err)

	err = alicePage.Locator(".chat-item:has-text(\"bob\")").Click()
	require.NoError(t, err)

	// Wait for the chat pane to open
	require.Eventually(t, func() bool {
		content, _ := alicePage.Locator("#counterpart").InnerText()
		return strings.Contains(content, "bob")
	}, 5*time.Second, 200*time.Millisecond)

	aliceMsg := "Hello Bob, how are you?"
	err = alicePage.Locator("#message-input").Fill(aliceMsg)
	require.NoError(t, err)
	err = alicePage.Locator("#send-btn").Click()
	require.NoError(t, err)

	// Bob sees the unread badge, opens the conversation, reads the message
	require.Eventually(t, func() bool {
		content, _ := bobPage.Locator("#conversations").InnerText()
		return strings.Contains(content, "alice (1)")
	}, 5*time.Second, 200*time.Millisecond)

	err = bobPage.Locator(".chat-item:has-text(\"alice\")").Click()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		content, _ := bobPage.Locator("#messages").InnerHTML()
		return strings.Contains(content, aliceMsg)
	}, 5*time.Second, 200*time.Millisecond)

	// Bob replies
	bobReply := "Hi Alice! I am doing great."
	err = bobPage.Locator("#message-input").Fill(bobReply)
	require.NoError(t, err)
	err = bobPage.Locator("#send-btn").Click()
	require.NoError(t, err)

	// Alice receives the reply over the open socket
	require.Eventually(t, func() bool {
		content, _ := alicePage.Locator("#messages").InnerHTML()
		return strings.Contains(content, bobReply)
	}, 5*time.Second, 200*time.Millisecond)

	// 5. Admin deletes Bob: his session ends and Alice sees him go offline
	t.Log("Admin deletes Bob...")
	bobID := getUserIDFromPage(t, alicePage, "bob")
	server.DeleteUser(t, bobID)

	_, err = bobPage.Reload()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(bobPage.URL(), "login.html")
	}, 5*time.Second, 200*time.Millisecond)
}

// registerUser completes the invite flow and returns the TOTP secret shown
// on the setup page.
func registerUser(t *testing.T, page playwright.Page, setupLink string, password string) string {
	_, err := page.Goto(setupLink)
	require.NoError(t, err)

	err = page.Locator("#register-form").WaitFor(playwright.LocatorWaitForOptions{
		State: playwright.WaitForSelectorStateVisible,
	})
	require.NoError(t, err)

	// The page shows the raw TOTP secret for enrolling an authenticator
	secret, err := page.Locator("#totp-secret").InnerText()
	require.NoError(t, err)
	secret = strings.TrimSpace(secret)
	require.NotEmpty(t, secret)

	err = page.Locator("input[name='password']").Fill(password)
	require.NoError(t, err)

	code := getTOTP(t, secret, time.Now())
	err = page.Locator("input[name='totp']").Fill(code)
	require.NoError(t, err)

	err = page.Locator("button[type='submit']").Click()
	require.NoError(t, err)

	// Registration hands off to the login page
	require.Eventually(t, func() bool {
		return strings.Contains(page.URL(), "login.html")
	}, 5*time.Second, 200*time.Millisecond)

	return secret
}

func loginUser(t *testing.T, page playwright.Page, username, password, secret string) {
	err := page.Locator("#login-form").WaitFor(playwright.LocatorWaitForOptions{
		State: playwright.WaitForSelectorStateVisible,
	})
	require.NoError(t, err)

	err = page.Locator("input[name='username']").Fill(username)
	require.NoError(t, err)
	err = page.Locator("input[name='password']").Fill(password)
	require.NoError(t, err)

	// Registration just consumed the current code; the next step's code is
	// accepted within the drift window and never collides with it.
	code := getTOTP(t, secret, time.Now().Add(30*time.Second))
	err = page.Locator("input[name='totp']").Fill(code)
	require.NoError(t, err)

	err = page.Locator("button[type='submit']").Click()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !strings.Contains(page.URL(), "login.html")
	}, 5*time.Second, 200*time.Millisecond)

	err = page.Locator("#conversations").WaitFor(playwright.LocatorWaitForOptions{
		State: playwright.WaitForSelectorStateVisible,
	})
	require.NoError(t, err)
}

// getUserIDFromPage resolves a username through the directory endpoint using
// the page's own session cookie.
func getUserIDFromPage(t *testing.T, page playwright.Page, username string) string {
	result, err := page.Evaluate(`async (name) => {
		const users = await (await fetch('/api/users')).json();
		const match = users.find((u) => u.userName === name);
		return match ? match.id : '';
	}`, username)
	require.NoError(t, err)

	id, ok := result.(string)
	require.True(t, ok, "unexpected evaluate result: %v", result)
	require.NotEmpty(t, id, "user %s not found in directory", username)
	return id
}
