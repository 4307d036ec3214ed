package newsletter

import "github.com/ItzNotABug/ghosler/pkg/ghosler"

const previewContent = `<div><p><strong>Hey there</strong>, welcome to your new home on the web!</p>` +
	`<p>Unlike social networks, this one is all yours. Publish your work on a custom domain, invite your audience to subscribe, ` +
	`send them new content by email newsletter, and offer premium subscriptions to generate sustainable recurring revenue to fund your work.</p>` +
	`<p>Ghost is an independent, open source app, which means you can customize absolutely everything. Inside the admin area, ` +
	`you'll find straightforward controls for changing themes, colors, navigation, logos and settings, so you can set your site up just how you like it.</p>` +
	`<hr><p>For now, you're probably just wondering what to do first. We've populated your site with starter content covering all the key concepts and features of the product.</p>` +
	`<p>Once you're ready to begin publishing and want to clear out these starter posts, you can delete the "Ghost" staff user.</p></div>`

var previewMember = memberView{
	Name:    "Jamie Larson",
	Email:   "jamie@example.com",
	Status:  "free",
	Created: "19 September 2013",
}

func previewSite() *ghosler.Site {
	return &ghosler.Site{
		Lang:        "en",
		Title:       "Bulletin",
		Description: "Thoughts, stories and ideas.",
		Logo:        "https://bulletin.ghost.io/content/images/size/w256h256/2021/06/ghost-orb-black-transparent-10--1-.png",
		URL:         "https://bulletin.ghost.io/",
	}
}

func previewPost() *ghosler.Post {
	return &ghosler.Post{
		ID:            "preview",
		URL:           "https://bulletin.ghost.io/welcome",
		Date:          "22 June 2021",
		Title:         "Welcome",
		PrimaryAuthor: "Ghost",
		Excerpt:       "We've crammed the most important information to help you get started with Ghost into this one post.",
		FeatureImage:  "https://static.ghost.org/v4.0.0/images/publication-cover.jpg",
		Content:       previewContent,
	}
}
